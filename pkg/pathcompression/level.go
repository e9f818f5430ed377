package pathcompression

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Level trades export speed against archive size. Each level maps to one
// encoder setting per format.
type Level string

const (
	Default Level = "default"
	Fastest Level = "fastest"
	Better  Level = "better"
	Best    Level = "best"
)

type encoderLevels struct {
	gzip int
	zstd zstd.EncoderLevel
}

var levelSettings = map[Level]encoderLevels{
	Default: {gzip: pgzip.DefaultCompression, zstd: zstd.SpeedDefault},
	Fastest: {gzip: pgzip.BestSpeed, zstd: zstd.SpeedFastest},
	Better:  {gzip: 6, zstd: zstd.SpeedBetterCompression},
	Best:    {gzip: pgzip.BestCompression, zstd: zstd.SpeedBestCompression},
}

// settings returns the encoder levels for l; unknown levels use Default's.
func (l Level) settings() encoderLevels {
	if s, ok := levelSettings[l]; ok {
		return s
	}
	return levelSettings[Default]
}

func (l Level) String() string {
	if _, ok := levelSettings[l]; ok {
		return string(l)
	}
	return string(Default)
}

// ParseLevel parses a level name, ignoring case. An empty string is Default.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return Default, nil
	}
	l := Level(strings.ToLower(s))
	if _, ok := levelSettings[l]; !ok {
		return "", fmt.Errorf("invalid compression level %q: must be one of default, fastest, better, best", s)
	}
	return l, nil
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("compression level should be a string, got %s", data)
	}
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}
