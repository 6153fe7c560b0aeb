// ABOUTME: Electrode position lookup: built-in 10-10 montage, on-disk override file, ring fallback.
// ABOUTME: Includes channel-name normalization with a historical 10-20 alias table.
package hub

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"
)

// builtinMontage maps normalized channel names to head-map positions in a
// unit circle (x right, y front), top view.
var builtinMontage = map[string][2]float64{
	"fp1": {-0.31, 0.95}, "fpz": {0, 1.0}, "fp2": {0.31, 0.95},
	"af7": {-0.55, 0.83}, "af3": {-0.26, 0.79}, "afz": {0, 0.8}, "af4": {0.26, 0.79}, "af8": {0.55, 0.83},
	"f7": {-0.81, 0.59}, "f5": {-0.59, 0.54}, "f3": {-0.40, 0.51}, "f1": {-0.20, 0.49},
	"fz": {0, 0.48}, "f2": {0.20, 0.49}, "f4": {0.40, 0.51}, "f6": {0.59, 0.54}, "f8": {0.81, 0.59},
	"ft7": {-0.92, 0.31}, "fc5": {-0.67, 0.28}, "fc3": {-0.45, 0.26}, "fc1": {-0.22, 0.25},
	"fcz": {0, 0.24}, "fc2": {0.22, 0.25}, "fc4": {0.45, 0.26}, "fc6": {0.67, 0.28}, "ft8": {0.92, 0.31},
	"t7": {-1.0, 0}, "c5": {-0.72, 0}, "c3": {-0.48, 0}, "c1": {-0.24, 0},
	"cz": {0, 0}, "c2": {0.24, 0}, "c4": {0.48, 0}, "c6": {0.72, 0}, "t8": {1.0, 0},
	"tp7": {-0.92, -0.31}, "cp5": {-0.67, -0.28}, "cp3": {-0.45, -0.26}, "cp1": {-0.22, -0.25},
	"cpz": {0, -0.24}, "cp2": {0.22, -0.25}, "cp4": {0.45, -0.26}, "cp6": {0.67, -0.28}, "tp8": {0.92, -0.31},
	"p7": {-0.81, -0.59}, "p5": {-0.59, -0.54}, "p3": {-0.40, -0.51}, "p1": {-0.20, -0.49},
	"pz": {0, -0.48}, "p2": {0.20, -0.49}, "p4": {0.40, -0.51}, "p6": {0.59, -0.54}, "p8": {0.81, -0.59},
	"po7": {-0.55, -0.83}, "po3": {-0.26, -0.79}, "poz": {0, -0.8}, "po4": {0.26, -0.79}, "po8": {0.55, -0.83},
	"o1": {-0.31, -0.95}, "oz": {0, -1.0}, "o2": {0.31, -0.95},
}

// channelAliases canonicalizes historical 10-20 labels to their modern 10-10
// equivalents before montage lookup.
var channelAliases = map[string]string{
	"t3": "t7",
	"t4": "t8",
	"t5": "p7",
	"t6": "p8",
}

var channelPrefixes = []string{"eeg", "chan", "ch"}
var channelSuffixes = []string{"ref", "le", "ar"}

// NormalizeChannel lower-cases a channel name, strips acquisition prefixes
// and reference suffixes, collapses separators, and applies the historical
// alias table. The result is the key used for montage lookup.
func NormalizeChannel(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Trim(s, "-_. ")

	for _, prefix := range channelPrefixes {
		rest, found := strings.CutPrefix(s, prefix)
		if found && rest != "" && !isAlphaNum(rest[0]) {
			s = strings.TrimLeft(rest, "-_. ")
			break
		}
	}
	for _, suffix := range channelSuffixes {
		rest, found := strings.CutSuffix(s, suffix)
		if found && rest != "" && !isAlphaNum(rest[len(rest)-1]) {
			s = strings.TrimRight(rest, "-_. ")
			break
		}
	}

	s = strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ' ':
			return -1
		}
		return r
	}, s)

	if alias, ok := channelAliases[s]; ok {
		return alias
	}
	return s
}

func isAlphaNum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// LoadMontageFile reads a montage override file of "name,x,y" rows. Lines
// starting with '#' and blank lines are ignored; malformed rows are skipped.
// Keys are normalized channel names.
func LoadMontageFile(path string) (map[string][2]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	positions := make(map[string][2]float64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			continue
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if errX != nil || errY != nil {
			continue
		}
		positions[NormalizeChannel(parts[0])] = [2]float64{x, y}
	}
	return positions, scanner.Err()
}

// ResolvePositions maps each channel to a head-map position. Lookup order:
// the override file (if any), then the built-in montage, then a deterministic
// ring layout that spreads unknown channels evenly on the unit circle by
// their position in the channel list.
func ResolvePositions(channels []string, override map[string][2]float64) []ChannelPosition {
	out := make([]ChannelPosition, 0, len(channels))
	for i, ch := range channels {
		key := NormalizeChannel(ch)
		if pos, ok := override[key]; ok {
			out = append(out, ChannelPosition{Name: ch, X: pos[0], Y: pos[1], Source: "file"})
			continue
		}
		if pos, ok := builtinMontage[key]; ok {
			out = append(out, ChannelPosition{Name: ch, X: pos[0], Y: pos[1], Source: "builtin"})
			continue
		}
		angle := 2 * math.Pi * float64(i) / float64(len(channels))
		out = append(out, ChannelPosition{
			Name:   ch,
			X:      math.Sin(angle),
			Y:      math.Cos(angle),
			Source: "ring",
		})
	}
	return out
}
