// Package directory is the user list the daemon checks presented cards
// against. It maps a card identifier to the user block the card secrets
// were derived from.
package directory

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/barnettlynn/doorkey/internal/lifecycle"
	"github.com/barnettlynn/doorkey/internal/secret"
)

// File is the on-disk layout of the users file.
type File struct {
	Users []User `yaml:"users"`
}

// User is one registered card.
type User struct {
	// UID is the real card identifier in hex.
	UID  string `yaml:"uid"`
	Name string `yaml:"name"`
	// Filler is hex appended after the NUL terminated name.
	Filler string `yaml:"filler,omitempty"`
}

// Block builds the user block: name, NUL, filler, zero padded.
func (u User) Block() (secret.UserBlock, error) {
	filler, err := hex.DecodeString(strings.TrimSpace(u.Filler))
	if err != nil {
		return secret.UserBlock{}, fmt.Errorf("filler: %w", err)
	}
	raw := append([]byte(u.Name+"\x00"), filler...)
	return secret.NewUserBlock(raw)
}

// Directory is a loaded users file, indexed by identifier.
type Directory struct {
	byUID map[string]entry
}

type entry struct {
	name  string
	block secret.UserBlock
}

// Load reads and checks a users file.
func Load(path string) (*Directory, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(f.Users)
}

// ReadFile parses a users file without checking the entries.
func ReadFile(path string) (*File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse users yaml: %w", err)
	}
	return &f, nil
}

// New indexes users. Identifiers must be unique.
func New(users []User) (*Directory, error) {
	d := &Directory{byUID: make(map[string]entry, len(users))}
	for i, u := range users {
		field := fmt.Sprintf("users[%d]", i)
		uid, err := hex.DecodeString(strings.TrimSpace(u.UID))
		if err != nil {
			return nil, fmt.Errorf("%s.uid: %w", field, err)
		}
		if len(uid) != 4 && len(uid) != 7 {
			return nil, fmt.Errorf("%s.uid must be 4 or 7 bytes, got %d", field, len(uid))
		}
		if strings.TrimSpace(u.Name) == "" {
			return nil, fmt.Errorf("%s.name is required", field)
		}
		block, err := u.Block()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		key := lifecycle.Identifier(uid).String()
		if prev, ok := d.byUID[key]; ok {
			return nil, fmt.Errorf("%s.uid %s already registered for %q", field, key, prev.name)
		}
		d.byUID[key] = entry{name: u.Name, block: block}
	}
	return d, nil
}

// Lookup returns the user block for id. It matches lifecycle.UserLookup.
func (d *Directory) Lookup(id lifecycle.Identifier) (secret.UserBlock, bool) {
	e, ok := d.byUID[id.String()]
	return e.block, ok
}

// Name returns the user name registered for id.
func (d *Directory) Name(id lifecycle.Identifier) (string, bool) {
	e, ok := d.byUID[id.String()]
	return e.name, ok
}

// Len returns the number of registered cards.
func (d *Directory) Len() int {
	return len(d.byUID)
}

// Snippet renders u as a users file entry.
func Snippet(u User) (string, error) {
	out, err := yaml.Marshal(File{Users: []User{u}})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
