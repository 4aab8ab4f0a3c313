package desfire

import (
	"errors"
	"fmt"

	"github.com/skythen/apdu"
)

// Status word constants for ISO 7816 and DESFire responses
const (
	// ISO 7816 status words
	SWSuccess              = 0x9000 // ISO success
	SWSecurityNotSatisfied = 0x6982 // Security status not satisfied (need auth)
	SWWrongLength          = 0x6700 // Wrong length

	// DESFire status words
	SWDESFireOK       = 0x9100 // DESFire success (operation complete)
	SWNoChanges       = 0x910C // No changes done to backup files
	SWOutOfEEPROM     = 0x910E // Insufficient NV memory
	SWIllegalCommand  = 0x911C // Command code not supported
	SWIntegrityError  = 0x911E // CRC or MAC does not match
	SWNoSuchKey       = 0x9140 // Invalid key number
	SWLengthError     = 0x917E // Length of command string invalid
	SWPermDenied      = 0x919D // Permission denied (current configuration or status)
	SWParameterErr    = 0x919E // Value of the parameter(s) invalid
	SWAppNotFound     = 0x91A0 // Requested AID not present on PICC
	SWAuthError       = 0x91AE // Authentication error (wrong key for slot)
	SWMoreData        = 0x91AF // Additional frame expected
	SWBoundaryError   = 0x91BE // Read/write beyond file limits
	SWCommandAbort    = 0x91CA // Previous command not fully completed
	SWDuplicateError  = 0x91DE // Application or file already exists
	SWFileNotFound    = 0x91F0 // Specified file number does not exist
)

var (
	// ErrCardRemoved reports that the card left the field mid-operation.
	ErrCardRemoved = errors.New("card removed from field")
	// ErrTimeout reports a card that stopped responding, usually a range
	// problem. Operations failing with it may be retried after a reader reset.
	ErrTimeout = errors.New("card not responding")
	// ErrNoCard reports an empty field.
	ErrNoCard = errors.New("no card in field")
	// ErrIntegrity reports a MAC or CRC mismatch in a card response.
	ErrIntegrity = errors.New("response integrity check failed")
	// ErrNotAuthenticated reports a command that needs a session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// SWError represents a status word error from the card.
type SWError struct {
	Cmd byte   // Command INS byte
	SW  uint16 // Status word
}

func (e *SWError) Error() string {
	r := e.Rapdu()
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%02X%02X (%s)", e.Cmd, r.SW1, r.SW2, swDescription(e.SW))
}

// Rapdu returns the status word as an ISO 7816 response.
func (e *SWError) Rapdu() apdu.Rapdu {
	return apdu.Rapdu{SW1: byte(e.SW >> 8), SW2: byte(e.SW)}
}

// swDescription returns a human-readable description of a status word.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWDESFireOK:
		return "DESFire OK"
	case SWMoreData:
		return "more data expected"
	case SWNoChanges:
		return "no changes"
	case SWOutOfEEPROM:
		return "out of EEPROM"
	case SWIllegalCommand:
		return "illegal command"
	case SWIntegrityError:
		return "integrity error"
	case SWNoSuchKey:
		return "no such key"
	case SWLengthError:
		return "length error"
	case SWPermDenied:
		return "permission denied"
	case SWParameterErr:
		return "parameter error"
	case SWAppNotFound:
		return "application not found"
	case SWAuthError:
		return "authentication error"
	case SWBoundaryError:
		return "boundary error"
	case SWCommandAbort:
		return "command aborted"
	case SWDuplicateError:
		return "duplicate"
	case SWFileNotFound:
		return "file not found"
	case SWSecurityNotSatisfied:
		return "security not satisfied"
	case SWWrongLength:
		return "wrong length"
	default:
		return "unknown error"
	}
}

func swOf(err error) (uint16, bool) {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW, true
	}
	return 0, false
}

// IsAuthError checks if an error is an authentication rejection by the card.
// Transport failures during authentication are not auth errors.
func IsAuthError(err error) bool {
	if sw, ok := swOf(err); ok {
		return sw == SWAuthError || sw == SWSecurityNotSatisfied
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.Cause != nil {
			return errors.Is(authErr.Cause, errRndAMismatch)
		}
		return authErr.SW == SWAuthError || authErr.SW == SWPermDenied || authErr.SW == SWNoSuchKey
	}
	return false
}

// IsPermissionDenied checks if an error is a permission denied error.
func IsPermissionDenied(err error) bool {
	sw, ok := swOf(err)
	return ok && sw == SWPermDenied
}

// IsNotFound checks if the card reported a missing application or file.
func IsNotFound(err error) bool {
	sw, ok := swOf(err)
	return ok && (sw == SWAppNotFound || sw == SWFileNotFound)
}

// IsDuplicate checks if the card reported an existing application or file.
func IsDuplicate(err error) bool {
	sw, ok := swOf(err)
	return ok && sw == SWDuplicateError
}

// IsTimeout reports whether err is a card response timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRemoved reports whether err means the card left the field.
func IsRemoved(err error) bool {
	return errors.Is(err, ErrCardRemoved)
}

// SwOK checks if a status word indicates success (ISO 9000 or DESFire 9100).
func SwOK(sw uint16) bool {
	return sw == SWSuccess || sw == SWDESFireOK
}
