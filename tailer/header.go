// ABOUTME: Header-driven schema discovery for the bandpower CSV (time column plus band_channel columns).
// ABOUTME: Derives band/channel order and a band-major index map with -1 for missing combinations.
package tailer

import (
	"errors"
	"strings"
)

// ErrNoHeader reports that the header row does not yet contain any
// recognizable <band>_<channel> column, so the schema cannot be derived.
var ErrNoHeader = errors.New("bandpower header not available yet")

// timeColumnAliases are matched case-insensitively against header names to
// locate the time column. When none matches, column 0 is assumed.
var timeColumnAliases = map[string]bool{
	"t":         true,
	"time":      true,
	"t_sec":     true,
	"time_sec":  true,
	"t_end_sec": true,
	"timestamp": true,
}

// BandpowerHeader is the schema discovered from a bandpower CSV header row.
// Bands keep first-seen order; Channels keep the column order of the first
// band. Index is band-major with len == len(Bands)*len(Channels); each slot
// holds the source column index for that band/channel pair, or -1 when the
// file has no such column (rendered as null downstream).
type BandpowerHeader struct {
	TimeCol  int
	Bands    []string
	Channels []string
	Index    []int
}

// ParseBandpowerHeader derives the bandpower schema from a header row.
// Returns ErrNoHeader until at least one <band>_<channel> column exists.
func ParseBandpowerHeader(header Row) (*BandpowerHeader, error) {
	if len(header) == 0 {
		return nil, ErrNoHeader
	}

	timeCol := 0
	for i, name := range header {
		if timeColumnAliases[strings.ToLower(strings.TrimSpace(name))] {
			timeCol = i
			break
		}
	}

	// Column lookup by "band_channel" with bands and channels collected in
	// first-seen order. The band name is everything before the first
	// underscore; channel names may themselves contain underscores.
	colByPair := make(map[string]int)
	var bands []string
	seenBand := make(map[string]bool)
	channelsByBand := make(map[string][]string)

	for i, name := range header {
		if i == timeCol {
			continue
		}
		band, channel, ok := splitBandChannel(name)
		if !ok {
			continue
		}
		if !seenBand[band] {
			seenBand[band] = true
			bands = append(bands, band)
		}
		key := band + "_" + channel
		if _, dup := colByPair[key]; !dup {
			colByPair[key] = i
			channelsByBand[band] = append(channelsByBand[band], channel)
		}
	}

	if len(bands) == 0 {
		return nil, ErrNoHeader
	}

	channels := channelsByBand[bands[0]]
	index := make([]int, 0, len(bands)*len(channels))
	for _, band := range bands {
		for _, channel := range channels {
			col, ok := colByPair[band+"_"+channel]
			if !ok {
				col = -1
			}
			index = append(index, col)
		}
	}

	return &BandpowerHeader{
		TimeCol:  timeCol,
		Bands:    bands,
		Channels: channels,
		Index:    index,
	}, nil
}

// splitBandChannel splits a header name of the form <band>_<channel> at the
// first underscore. Both halves must be non-empty.
func splitBandChannel(name string) (band, channel string, ok bool) {
	name = strings.TrimSpace(name)
	idx := strings.IndexByte(name, '_')
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return strings.ToLower(name[:idx]), name[idx+1:], true
}
