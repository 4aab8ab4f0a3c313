// Package emulator simulates a DESFire EV1 card and a contactless reader
// in memory. The card answers the same wrapped native APDUs a real card
// does, including EV1 authentication and secure messaging, so code built on
// package desfire runs against it unchanged.
package emulator

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/barnettlynn/doorkey/pkg/desfire"
)

// Native status codes returned in SW2.
const (
	stOK          = 0x00
	stIllegalCmd  = 0x1C
	stIntegrity   = 0x1E
	stNoSuchKey   = 0x40
	stLength      = 0x7E
	stPermDenied  = 0x9D
	stParameter   = 0x9E
	stAppNotFound = 0xA0
	stAuthError   = 0xAE
	stMoreFrames  = 0xAF
	stBoundary    = 0xBE
	stDuplicate   = 0xDE
	stFileMissing = 0xF0
)

const maxResponseFrame = 59

// Fault makes the card fail one command.
type Fault struct {
	AtCommand    int   // 1-based, counted from when the fault is armed
	OnINS        byte  // if set, fail the first command with this INS instead
	Err          error // returned by Transmit, e.g. desfire.ErrTimeout
	AfterExecute bool  // execute the command, then lose the response
	Remove       bool  // card leaves the field; later commands fail too
}

type file struct {
	comm   desfire.CommMode
	access uint16
	data   []byte
}

type application struct {
	settings byte
	keyType  desfire.KeyType
	keys     []desfire.Key
	files    map[byte]*file
}

type authState struct {
	key   desfire.Key
	keyNo byte
	rndB  []byte
	iv    []byte
}

type inState struct {
	ins  byte
	data []byte
	want int
}

// Card is an emulated DESFire EV1 card. It implements desfire.Card.
type Card struct {
	mu sync.Mutex

	uid      []byte
	randomID bool
	classic  bool
	activeID []byte

	piccKey      desfire.Key
	piccSettings byte
	apps         map[desfire.AID]*application

	selected desfire.AID
	sess     *desfire.Session
	authKey  byte
	auth     *authState
	out      [][]byte
	in       *inState

	commands int
	log      []byte
	fault    *Fault
	removed  bool
}

// Option configures a new card.
type Option func(*Card)

// WithRandomID makes the card answer anti-collision with a fresh random
// 4 byte UID on every activation.
func WithRandomID() Option {
	return func(c *Card) { c.randomID = true }
}

// WithPICCKey replaces the factory PICC master key.
func WithPICCKey(k desfire.Key) Option {
	return func(c *Card) { c.piccKey = cloneKey(k) }
}

// New returns a factory fresh DESFire card with a 7 byte UID.
func New(uid []byte, opts ...Option) *Card {
	c := &Card{
		uid:          append([]byte(nil), uid...),
		piccKey:      desfire.FactoryPICCKey(),
		piccSettings: desfire.KeySettingsFactoryDefault,
		apps:         map[desfire.AID]*application{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.activate()
	return c
}

// NewClassic returns a MIFARE Classic card. It answers only the
// anti-collision UID request.
func NewClassic(uid []byte) *Card {
	c := &Card{uid: append([]byte(nil), uid...), classic: true, apps: map[desfire.AID]*application{}}
	c.activate()
	return c
}

// Activate simulates a new RF activation: selection and session are lost
// and a random-ID card picks a new UID.
func (c *Card) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activate()
}

func (c *Card) activate() {
	c.selected = desfire.PICCAID
	c.sess = nil
	c.auth = nil
	c.out = nil
	c.in = nil
	if c.randomID {
		id := make([]byte, 4)
		_, _ = io.ReadFull(rand.Reader, id)
		id[0] = 0x08
		c.activeID = id
	} else {
		c.activeID = append([]byte(nil), c.uid...)
	}
}

// AnticollisionUID returns the UID the reader sees for this activation.
func (c *Card) AnticollisionUID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.activeID...)
}

// UID returns the real UID.
func (c *Card) UID() []byte {
	return append([]byte(nil), c.uid...)
}

// ATR returns the ATR a PC/SC reader synthesizes for this card.
func (c *Card) ATR() []byte {
	if c.classic {
		return []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A}
	}
	return []byte{0x3B, 0x81, 0x80, 0x01, 0x80, 0x80}
}

// InjectFault arms a fault. Command counting starts at the next command.
func (c *Card) InjectFault(f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.AtCommand += c.commands
	c.fault = &f
}

// ClearFault disarms a pending fault and reports whether one was armed.
func (c *Card) ClearFault() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.fault != nil
	c.fault = nil
	return pending
}

// Reinsert brings a removed card back into the field.
func (c *Card) Reinsert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = false
	c.activate()
}

// Commands returns the number of native commands received.
func (c *Card) Commands() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands
}

// Log returns the INS byte of every native command received.
func (c *Card) Log() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.log...)
}

// ResetLog clears the command log.
func (c *Card) ResetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}

// PICCKey returns the card master key.
func (c *Card) PICCKey() desfire.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneKey(c.piccKey)
}

// HasApplication reports whether aid exists.
func (c *Card) HasApplication(aid desfire.AID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.apps[aid]
	return ok
}

// ApplicationSettings returns the key settings of aid.
func (c *Card) ApplicationSettings(aid desfire.AID) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	app, ok := c.apps[aid]
	if !ok {
		return 0, false
	}
	return app.settings, true
}

// ApplicationKey returns key keyNo of aid.
func (c *Card) ApplicationKey(aid desfire.AID, keyNo byte) (desfire.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	app, ok := c.apps[aid]
	if !ok || int(keyNo) >= len(app.keys) {
		return desfire.Key{}, false
	}
	return cloneKey(app.keys[keyNo]), true
}

// FileData returns the contents of a data file.
func (c *Card) FileData(aid desfire.AID, fileNo byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	app, ok := c.apps[aid]
	if !ok {
		return nil, false
	}
	f, ok := app.files[fileNo]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Clone deep copies the persistent card state. The clone starts freshly
// activated with no fault armed and an empty log.
func (c *Card) Clone() *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := &Card{
		uid:          append([]byte(nil), c.uid...),
		randomID:     c.randomID,
		classic:      c.classic,
		piccKey:      cloneKey(c.piccKey),
		piccSettings: c.piccSettings,
		apps:         make(map[desfire.AID]*application, len(c.apps)),
	}
	for aid, app := range c.apps {
		na := &application{settings: app.settings, keyType: app.keyType, files: map[byte]*file{}}
		for _, k := range app.keys {
			na.keys = append(na.keys, cloneKey(k))
		}
		for no, f := range app.files {
			na.files[no] = &file{comm: f.comm, access: f.access, data: append([]byte(nil), f.data...)}
		}
		n.apps[aid] = na
	}
	n.activate()
	return n
}

func cloneKey(k desfire.Key) desfire.Key {
	return desfire.Key{Type: k.Type, Material: append([]byte(nil), k.Material...), Version: k.Version}
}

// Transmit implements desfire.Card.
func (c *Card) Transmit(apdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return nil, fmt.Errorf("emulator: %w", desfire.ErrCardRemoved)
	}
	if len(apdu) >= 2 && apdu[0] == 0xFF && apdu[1] == 0xCA {
		return append(append([]byte(nil), c.activeID...), 0x90, 0x00), nil
	}
	if c.classic {
		return []byte{0x6E, 0x00}, nil
	}
	if len(apdu) < 5 || apdu[0] != 0x90 {
		return []byte{0x6E, 0x00}, nil
	}

	ins := apdu[1]
	var data []byte
	if len(apdu) > 5 {
		lc := int(apdu[4])
		if len(apdu) < 5+lc {
			return []byte{0x67, 0x00}, nil
		}
		data = apdu[5 : 5+lc]
	}

	c.commands++
	c.log = append(c.log, ins)
	var fault *Fault
	if c.fault != nil && c.fault.matches(ins, c.commands) {
		fault = c.fault
		c.fault = nil
	}
	if fault != nil && !fault.AfterExecute {
		return nil, c.fail(fault)
	}

	resp, status := c.dispatch(ins, data)
	if status != stOK && status != stMoreFrames {
		c.sess = nil
		c.auth = nil
		c.out = nil
		c.in = nil
	}
	if fault != nil {
		return nil, c.fail(fault)
	}
	out := make([]byte, 0, len(resp)+2)
	return append(append(out, resp...), 0x91, status), nil
}

func (f *Fault) matches(ins byte, command int) bool {
	if f.OnINS != 0 {
		return f.OnINS == ins
	}
	return f.AtCommand == command
}

func (c *Card) fail(f *Fault) error {
	c.sess = nil
	c.auth = nil
	c.out = nil
	c.in = nil
	if f.Remove {
		c.removed = true
	}
	err := f.Err
	if err == nil {
		err = desfire.ErrTimeout
	}
	return fmt.Errorf("emulator fault at command %d: %w", f.AtCommand, err)
}

func (c *Card) dispatch(ins byte, data []byte) ([]byte, byte) {
	if ins == 0xAF {
		switch {
		case c.auth != nil:
			return c.authenticate2(data)
		case c.in != nil:
			return c.continueInput(data)
		case len(c.out) > 0:
			return c.nextFrame()
		default:
			return nil, stIllegalCmd
		}
	}
	c.auth = nil
	c.out = nil
	c.in = nil

	switch ins {
	case 0x5A:
		return c.selectApplication(data)
	case 0x1A, 0xAA:
		return c.authenticate1(ins, data)
	case 0x64:
		return c.getKeyVersion(data)
	case 0x45:
		return c.getKeySettings(data)
	case 0xC4:
		return c.changeKey(data)
	case 0x54:
		return c.changeKeySettings(data)
	case 0xCA:
		return c.createApplication(data)
	case 0xDA:
		return c.deleteApplication(data)
	case 0x6A:
		return c.getApplicationIDs(data)
	case 0xCD:
		return c.createStdDataFile(data)
	case 0xBD:
		return c.readData(data)
	case 0x3D:
		return c.writeData(data)
	case 0x51:
		return c.getCardUID(data)
	case 0x60:
		return c.getVersion(data)
	default:
		return nil, stIllegalCmd
	}
}

// plainResponse appends the response MAC while authenticated and queues
// frames beyond the first.
func (c *Card) plainResponse(data []byte, frames ...int) ([]byte, byte) {
	resp := append([]byte(nil), data...)
	if c.sess != nil {
		resp = append(resp, c.sess.ResponseMAC(data, stOK)...)
	}
	return c.frame(resp, frames...)
}

// frame splits a response into chunks. Explicit sizes are used first, the
// rest is cut at the frame limit. Chunks are capped so appending to one
// never reaches into the next.
func (c *Card) frame(resp []byte, sizes ...int) ([]byte, byte) {
	var chunks [][]byte
	for _, n := range sizes {
		if n >= len(resp) {
			break
		}
		chunks = append(chunks, resp[:n:n])
		resp = resp[n:]
	}
	for len(resp) > maxResponseFrame {
		chunks = append(chunks, resp[:maxResponseFrame:maxResponseFrame])
		resp = resp[maxResponseFrame:]
	}
	chunks = append(chunks, resp)
	c.out = chunks[1:]
	if len(c.out) > 0 {
		return chunks[0], stMoreFrames
	}
	return chunks[0], stOK
}

func (c *Card) nextFrame() ([]byte, byte) {
	chunk := c.out[0]
	c.out = c.out[1:]
	if len(c.out) > 0 {
		return chunk, stMoreFrames
	}
	return chunk, stOK
}

func (c *Card) macCommand(ins byte, params []byte) {
	if c.sess != nil {
		c.sess.MACCommand(ins, params)
	}
}

func (c *Card) currentApp() *application {
	if c.selected == desfire.PICCAID {
		return nil
	}
	return c.apps[c.selected]
}

func (c *Card) key(keyNo byte) (desfire.Key, bool) {
	if app := c.currentApp(); app != nil {
		if int(keyNo) >= len(app.keys) {
			return desfire.Key{}, false
		}
		return app.keys[keyNo], true
	}
	if keyNo != 0 {
		return desfire.Key{}, false
	}
	return c.piccKey, true
}

func (c *Card) settings() byte {
	if app := c.currentApp(); app != nil {
		return app.settings
	}
	return c.piccSettings
}

func (c *Card) authedWithMaster() bool {
	return c.sess != nil && c.authKey == 0
}

func (c *Card) selectApplication(data []byte) ([]byte, byte) {
	c.sess = nil
	if len(data) != 3 {
		return nil, stLength
	}
	aid := desfire.AIDFromBytes(data)
	if aid != desfire.PICCAID {
		if _, ok := c.apps[aid]; !ok {
			return nil, stAppNotFound
		}
	}
	c.selected = aid
	return nil, stOK
}

func (c *Card) authenticate1(ins byte, data []byte) ([]byte, byte) {
	c.sess = nil
	if len(data) != 1 {
		return nil, stLength
	}
	keyNo := data[0]
	key, ok := c.key(keyNo)
	if !ok {
		return nil, stNoSuchKey
	}
	if (ins == 0xAA) != (key.Type == desfire.KeyTypeAES) {
		return nil, stAuthError
	}
	block, err := key.Block()
	if err != nil {
		return nil, stIntegrity
	}
	rs := desfire.RandomSize(key.Type)
	rndB := make([]byte, rs)
	_, _ = io.ReadFull(rand.Reader, rndB)
	enc := make([]byte, rs)
	cbc(block, make([]byte, block.BlockSize()), rndB, enc, true)
	c.auth = &authState{key: key, keyNo: keyNo, rndB: rndB, iv: tail(enc, block.BlockSize())}
	return enc, stMoreFrames
}

func (c *Card) authenticate2(data []byte) ([]byte, byte) {
	st := c.auth
	c.auth = nil
	rs := desfire.RandomSize(st.key.Type)
	if len(data) != 2*rs {
		return nil, stLength
	}
	block, err := st.key.Block()
	if err != nil {
		return nil, stIntegrity
	}
	bs := block.BlockSize()
	plain := make([]byte, len(data))
	cbc(block, st.iv, data, plain, false)
	rndA := plain[:rs]
	if !bytes.Equal(plain[rs:], desfire.RotateLeft1(st.rndB)) {
		return nil, stAuthError
	}
	resp := make([]byte, rs)
	cbc(block, tail(data, bs), desfire.RotateLeft1(rndA), resp, true)

	sk := desfire.SessionKey(st.key.Type, st.key.Material, rndA, st.rndB)
	sess, err := desfire.NewSession(st.key.Type, st.keyNo, sk)
	if err != nil {
		return nil, stIntegrity
	}
	c.sess = sess
	c.authKey = st.keyNo
	return resp, stOK
}

func (c *Card) getKeyVersion(data []byte) ([]byte, byte) {
	if len(data) != 1 {
		return nil, stLength
	}
	c.macCommand(0x64, data)
	key, ok := c.key(data[0] & 0x3F)
	if !ok {
		return nil, stNoSuchKey
	}
	return c.plainResponse([]byte{key.Version})
}

func (c *Card) getKeySettings(data []byte) ([]byte, byte) {
	c.macCommand(0x45, data)
	settings := c.settings()
	if settings&0x02 == 0 && !c.authedWithMaster() {
		return nil, stPermDenied
	}
	if app := c.currentApp(); app != nil {
		return c.plainResponse([]byte{settings, byte(len(app.keys)) | keyFlag(app.keyType)})
	}
	return c.plainResponse([]byte{settings, 0x01 | keyFlag(c.piccKey.Type)})
}

func keyFlag(t desfire.KeyType) byte {
	switch t {
	case desfire.KeyType3K3DES:
		return 0x40
	case desfire.KeyTypeAES:
		return 0x80
	default:
		return 0x00
	}
}

func (c *Card) changeKey(data []byte) ([]byte, byte) {
	if c.sess == nil {
		return nil, stAuthError
	}
	if len(data) < 2 {
		return nil, stLength
	}
	keyNoByte := data[0]
	keyNo := keyNoByte & 0x0F
	app := c.currentApp()

	newType := desfire.KeyTypeFromFlag(keyNoByte)
	var oldKey desfire.Key
	if app == nil {
		if keyNo != 0 {
			return nil, stNoSuchKey
		}
		if c.authKey != 0 || c.piccSettings&0x01 == 0 {
			return nil, stPermDenied
		}
		oldKey = c.piccKey
	} else {
		if int(keyNo) >= len(app.keys) {
			return nil, stNoSuchKey
		}
		newType = app.keyType
		oldKey = app.keys[keyNo]
		if !c.mayChangeAppKey(app, keyNo) {
			return nil, stPermDenied
		}
	}

	same := keyNo == c.authKey
	plain, err := c.sess.DecipherCommand(data[1:])
	if err != nil {
		return nil, stLength
	}
	newKey, err := desfire.ParseChangeKeyPlaintext(plain, keyNoByte, newType, oldKey, same)
	if err != nil {
		return nil, stIntegrity
	}
	if app == nil {
		c.piccKey = newKey
	} else {
		app.keys[keyNo] = newKey
	}
	if same {
		c.sess = nil
		return nil, stOK
	}
	return c.plainResponse(nil)
}

func (c *Card) mayChangeAppKey(app *application, keyNo byte) bool {
	if keyNo == 0 {
		return c.authKey == 0 && app.settings&0x01 != 0
	}
	switch ck := app.settings >> 4; ck {
	case 0x0F:
		return false
	case 0x0E:
		return c.authKey == keyNo
	default:
		return c.authKey == ck
	}
}

func (c *Card) changeKeySettings(data []byte) ([]byte, byte) {
	if c.sess == nil {
		return nil, stAuthError
	}
	if c.authKey != 0 || c.settings()&0x08 == 0 {
		return nil, stPermDenied
	}
	plain, err := c.sess.DecipherCommand(data)
	if err != nil {
		return nil, stLength
	}
	if !checkCRC(plain, 1, []byte{0x54}) {
		return nil, stIntegrity
	}
	if app := c.currentApp(); app != nil {
		app.settings = plain[0]
	} else {
		c.piccSettings = plain[0]
	}
	return c.plainResponse(nil)
}

// checkCRC validates data || CRC(prefix || data) at the start of plain.
func checkCRC(plain []byte, n int, prefix []byte) bool {
	if len(plain) < n+4 {
		return false
	}
	crcIn := append(append([]byte(nil), prefix...), plain[:n]...)
	return bytes.Equal(plain[n:n+4], desfire.CRCBytes(crcIn))
}

func (c *Card) createApplication(data []byte) ([]byte, byte) {
	if len(data) != 5 {
		return nil, stLength
	}
	c.macCommand(0xCA, data)
	if c.selected != desfire.PICCAID {
		return nil, stPermDenied
	}
	if c.piccSettings&0x04 == 0 && !c.authedWithMaster() {
		return nil, stPermDenied
	}
	aid := desfire.AIDFromBytes(data[:3])
	if aid == desfire.PICCAID {
		return nil, stParameter
	}
	if _, ok := c.apps[aid]; ok {
		return nil, stDuplicate
	}
	count := int(data[4] & 0x0F)
	if count < 1 || count > 14 {
		return nil, stParameter
	}
	kt := desfire.KeyTypeFromFlag(data[4])
	app := &application{settings: data[3], keyType: kt, files: map[byte]*file{}}
	for i := 0; i < count; i++ {
		app.keys = append(app.keys, desfire.DefaultKey(kt))
	}
	c.apps[aid] = app
	return c.plainResponse(nil)
}

func (c *Card) deleteApplication(data []byte) ([]byte, byte) {
	if len(data) != 3 {
		return nil, stLength
	}
	c.macCommand(0xDA, data)
	if c.selected != desfire.PICCAID || !c.authedWithMaster() {
		return nil, stPermDenied
	}
	aid := desfire.AIDFromBytes(data)
	if _, ok := c.apps[aid]; !ok {
		return nil, stAppNotFound
	}
	delete(c.apps, aid)
	return c.plainResponse(nil)
}

func (c *Card) getApplicationIDs(data []byte) ([]byte, byte) {
	c.macCommand(0x6A, data)
	if c.selected != desfire.PICCAID {
		return nil, stPermDenied
	}
	if c.piccSettings&0x02 == 0 && !c.authedWithMaster() {
		return nil, stPermDenied
	}
	aids := make([]int, 0, len(c.apps))
	for aid := range c.apps {
		aids = append(aids, int(aid))
	}
	sort.Ints(aids)
	var out []byte
	for _, aid := range aids {
		out = append(out, desfire.AID(aid).Bytes()...)
	}
	return c.plainResponse(out)
}

func (c *Card) createStdDataFile(data []byte) ([]byte, byte) {
	if len(data) != 7 {
		return nil, stLength
	}
	c.macCommand(0xCD, data)
	app := c.currentApp()
	if app == nil {
		return nil, stPermDenied
	}
	if app.settings&0x04 == 0 && !c.authedWithMaster() {
		return nil, stPermDenied
	}
	fileNo := data[0]
	if fileNo > 31 {
		return nil, stParameter
	}
	if _, ok := app.files[fileNo]; ok {
		return nil, stDuplicate
	}
	access := uint16(data[2]) | uint16(data[3])<<8
	size := desfire.Le24(data[4:7])
	app.files[fileNo] = &file{comm: desfire.CommMode(data[1] & 0x03), access: access, data: make([]byte, size)}
	return c.plainResponse(nil)
}

// fileAccess resolves the comm mode for an operation allowed by either of
// two access nibbles. A free nibble forces plain communication.
func (c *Card) fileAccess(f *file, a, b byte) (desfire.CommMode, byte) {
	if a == desfire.AccessFree || b == desfire.AccessFree {
		return desfire.CommPlain, stOK
	}
	if c.sess == nil {
		return 0, stAuthError
	}
	if c.authKey != a && c.authKey != b {
		return 0, stPermDenied
	}
	return f.comm, stOK
}

func (c *Card) lookupFile(fileNo byte) (*file, byte) {
	app := c.currentApp()
	if app == nil {
		return nil, stPermDenied
	}
	f, ok := app.files[fileNo]
	if !ok {
		return nil, stFileMissing
	}
	return f, stOK
}

func (c *Card) readData(data []byte) ([]byte, byte) {
	if len(data) != 7 {
		return nil, stLength
	}
	c.macCommand(0xBD, data)
	f, st := c.lookupFile(data[0])
	if st != stOK {
		return nil, st
	}
	off, n := desfire.Le24(data[1:4]), desfire.Le24(data[4:7])
	if n == 0 {
		n = len(f.data) - off
	}
	if off < 0 || n < 0 || off+n > len(f.data) {
		return nil, stBoundary
	}
	comm, st := c.fileAccess(f, byte(f.access>>12)&0x0F, byte(f.access>>4)&0x0F)
	if st != stOK {
		return nil, st
	}
	content := append([]byte(nil), f.data[off:off+n]...)
	if comm == desfire.CommEnciphered {
		enc, err := c.sess.EncipherResponse(content, stOK)
		if err != nil {
			return nil, stIntegrity
		}
		return c.frame(enc)
	}
	if comm == desfire.CommPlain && c.sess == nil {
		return c.frame(content)
	}
	return c.plainResponse(content)
}

// writeData collects all command frames first; the file only changes once
// the complete command checks out.
func (c *Card) writeData(data []byte) ([]byte, byte) {
	if len(data) < 7 {
		return nil, stLength
	}
	f, st := c.lookupFile(data[0])
	if st != stOK {
		return nil, st
	}
	n := desfire.Le24(data[4:7])
	comm, st := c.fileAccess(f, byte(f.access>>8)&0x0F, byte(f.access>>4)&0x0F)
	if st != stOK {
		return nil, st
	}
	want := 7 + n
	switch comm {
	case desfire.CommEnciphered:
		bs := c.sess.KeyType().BlockSize()
		want = 7 + (n+4+bs-1)/bs*bs
	case desfire.CommMACed:
		want += 8
	}
	if len(data) > want {
		return nil, stLength
	}
	if len(data) < want {
		c.in = &inState{ins: 0x3D, data: append([]byte(nil), data...), want: want}
		return nil, stMoreFrames
	}
	return c.commitWrite(f, comm, data)
}

func (c *Card) continueInput(data []byte) ([]byte, byte) {
	st := c.in
	st.data = append(st.data, data...)
	if len(st.data) > st.want {
		c.in = nil
		return nil, stLength
	}
	if len(st.data) < st.want {
		return nil, stMoreFrames
	}
	c.in = nil
	f, code := c.lookupFile(st.data[0])
	if code != stOK {
		return nil, code
	}
	comm, code := c.fileAccess(f, byte(f.access>>8)&0x0F, byte(f.access>>4)&0x0F)
	if code != stOK {
		return nil, code
	}
	return c.commitWrite(f, comm, st.data)
}

func (c *Card) commitWrite(f *file, comm desfire.CommMode, data []byte) ([]byte, byte) {
	header := data[:7]
	off, n := desfire.Le24(header[1:4]), desfire.Le24(header[4:7])
	var content []byte
	switch comm {
	case desfire.CommEnciphered:
		plain, err := c.sess.DecipherCommand(data[7:])
		if err != nil {
			return nil, stLength
		}
		if !checkCRC(plain, n, append([]byte{0x3D}, header...)) {
			return nil, stIntegrity
		}
		content = plain[:n]
	case desfire.CommMACed:
		content = data[7 : 7+n]
		c.sess.MACCommand(0x3D, data[:7+n])
		if !bytes.Equal(data[7+n:], c.sess.IV()[:8]) {
			return nil, stIntegrity
		}
	default:
		content = data[7:]
		c.macCommand(0x3D, data)
	}
	if off+n > len(f.data) {
		return nil, stBoundary
	}
	copy(f.data[off:], content)
	if c.sess == nil {
		return nil, stOK
	}
	return c.plainResponse(nil)
}

func (c *Card) getCardUID(data []byte) ([]byte, byte) {
	if c.sess == nil {
		return nil, stAuthError
	}
	c.macCommand(0x51, data)
	enc, err := c.sess.EncipherResponse(c.uid, stOK)
	if err != nil {
		return nil, stIntegrity
	}
	return c.frame(enc)
}

func (c *Card) getVersion(data []byte) ([]byte, byte) {
	c.macCommand(0x60, data)
	v := []byte{
		0x04, 0x01, 0x01, 0x01, 0x00, 0x18, 0x05, // hardware
		0x04, 0x01, 0x01, 0x01, 0x04, 0x18, 0x05, // software
	}
	if c.randomID {
		v = append(v, make([]byte, 7)...)
	} else {
		v = append(v, c.uid...)
	}
	v = append(v, 0xBA, 0x5E, 0x11, 0x22, 0x33, 0x21, 0x23) // batch, week, year
	return c.plainResponse(v, 7, 7)
}

func cbc(block cipher.Block, iv, src, dst []byte, encrypt bool) {
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
		return
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
}

func tail(b []byte, n int) []byte {
	return append([]byte(nil), b[len(b)-n:]...)
}
