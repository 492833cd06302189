// Package secrets parses NSS-style key logs into a lookup table from TLS
// client random to master secret.
package secrets

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

const clientRandomLabel = "CLIENT_RANDOM"

// Secret holds the key material for one TLS session.
type Secret struct {
	ClientRandom []byte
	MasterSecret []byte
}

// Database maps lowercase client-random hex strings to secrets. It is
// read-only after construction and safe for concurrent lookups.
type Database struct {
	entries map[string]Secret
	skipped int
}

// Parse reads a key log. Malformed or unrelated lines are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{entries: make(map[string]Secret)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !db.parseLine(line) {
			db.skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key log: %w", err)
	}
	return db, nil
}

func (db *Database) parseLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != clientRandomLabel {
		return false
	}
	random, err := hex.DecodeString(fields[1])
	if err != nil || len(random) == 0 {
		return false
	}
	master, err := hex.DecodeString(fields[2])
	if err != nil || len(master) == 0 {
		return false
	}
	db.entries[hex.EncodeToString(random)] = Secret{
		ClientRandom: random,
		MasterSecret: master,
	}
	return true
}

// Load reads the key log at path. Only an unreadable file is an error.
func Load(fs afero.Fs, path string) (*Database, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open secrets file %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Empty returns a database with no entries.
func Empty() *Database {
	return &Database{entries: make(map[string]Secret)}
}

// Lookup finds the secret for a client random given as hex (any case).
func (db *Database) Lookup(clientRandomHex string) (Secret, bool) {
	if db == nil {
		return Secret{}, false
	}
	s, ok := db.entries[strings.ToLower(clientRandomHex)]
	return s, ok
}

// Len returns the number of usable entries.
func (db *Database) Len() int {
	if db == nil {
		return 0
	}
	return len(db.entries)
}

// Skipped returns the number of lines that were ignored while parsing.
func (db *Database) Skipped() int {
	if db == nil {
		return 0
	}
	return db.skipped
}
