package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"
)

var nameAdjectives = []string{
	"amber", "arctic", "azure", "bold", "brisk", "calm", "cedar", "clear",
	"coral", "crisp", "dawn", "deep", "dusky", "eager", "fern", "foggy",
	"frosty", "gentle", "golden", "hazy", "hushed", "indigo", "jade", "keen",
	"lunar", "misty", "mossy", "nimble", "quiet", "rapid", "rosy", "rustic",
	"silent", "silver", "slate", "solar", "steady", "swift", "tidal", "vivid",
}

var nameNouns = []string{
	"badger", "birch", "brook", "canyon", "condor", "crane", "creek", "delta",
	"dune", "falcon", "finch", "fjord", "fox", "glacier", "grove", "harbor",
	"heron", "island", "juniper", "lark", "lynx", "maple", "marsh", "mesa",
	"moss", "otter", "owl", "pebble", "quail", "raven", "reef", "ridge",
	"river", "sparrow", "spruce", "summit", "thistle", "tide", "willow", "wren",
}

// generateName returns a random "adjective-noun" name.
func generateName() string {
	return nameAdjectives[cryptoRandInt(len(nameAdjectives))] + "-" + nameNouns[cryptoRandInt(len(nameNouns))]
}

// defaultName names a session that was created without one: the working
// directory's base name, or a generated name when that is already taken
// by an open or saved session.
func defaultName(dir string, taken map[string]bool) string {
	base := filepath.Base(dir)
	if base != "" && base != "." && base != string(filepath.Separator) && !taken[strings.ToLower(base)] {
		return base
	}
	for range 10 {
		name := generateName()
		if !taken[name] {
			return name
		}
	}
	return fmt.Sprintf("%s-%d", generateName(), time.Now().Unix())
}

// takenNames lists current names, lowercased.
func (m *Manager) takenNames() map[string]bool {
	all := m.candidates()
	taken := make(map[string]bool, len(all))
	for _, c := range all {
		taken[strings.ToLower(c.name)] = true
	}
	return taken
}

// cryptoRandInt returns a random int in [0, n).
func cryptoRandInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return int(time.Now().UnixNano() % int64(n))
	}
	return int(v.Int64())
}
