package pdfdoc

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
)

var (
	//go:embed fonts/DejaVuSansCondensed.ttf
	dejaVuRegular []byte
	//go:embed fonts/DejaVuSansCondensed-Bold.ttf
	dejaVuBold []byte
)

// arabicSamples must all map to glyphs in a font used for Arabic documents:
// an isolated letter, an initial presentation form, an Eastern Arabic digit
// and the lam-alef ligature.
var arabicSamples = []rune{'ب', 'ﺑ', '١', 'ﻻ'}

// Fonts holds TrueType font programs embedded into rendered documents.
type Fonts struct {
	Regular    []byte
	Bold       []byte
	Arabic     []byte
	ArabicBold []byte
}

// DefaultFonts returns the embedded Go fonts for Latin text and DejaVu Sans
// Condensed for Arabic.
func DefaultFonts() Fonts {
	return Fonts{Regular: goregular.TTF, Bold: gobold.TTF, Arabic: dejaVuRegular, ArabicBold: dejaVuBold}
}

// FontPaths names optional font files that override the defaults. Arabic
// replaces both Arabic weights.
type FontPaths struct {
	Regular string
	Bold    string
	Arabic  string
}

// LoadFonts reads the configured font files from fs, keeping the embedded
// defaults for any path left empty. A configured Arabic font must cover
// Arabic letters, presentation forms and digits.
func LoadFonts(fs afero.Fs, paths FontPaths) (Fonts, error) {
	fonts := DefaultFonts()
	for _, entry := range []struct {
		path   string
		target *[]byte
	}{
		{paths.Regular, &fonts.Regular},
		{paths.Bold, &fonts.Bold},
		{paths.Arabic, &fonts.Arabic},
	} {
		path := strings.TrimSpace(entry.path)
		if path == "" {
			continue
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return Fonts{}, fmt.Errorf("pdfdoc: read font %s: %w", path, err)
		}
		*entry.target = data
	}
	if strings.TrimSpace(paths.Arabic) != "" {
		if err := CheckArabicCoverage(fonts.Arabic); err != nil {
			return Fonts{}, fmt.Errorf("pdfdoc: font %s: %w", paths.Arabic, err)
		}
		fonts.ArabicBold = fonts.Arabic
	}
	return fonts, nil
}

// CheckArabicCoverage parses a TrueType program and reports the Arabic code
// points it has no glyph for.
func CheckArabicCoverage(program []byte) error {
	parsed, err := sfnt.Parse(program)
	if err != nil {
		return fmt.Errorf("parse font: %w", err)
	}
	var buffer sfnt.Buffer
	var missing []string
	for _, r := range arabicSamples {
		index, err := parsed.GlyphIndex(&buffer, r)
		if err != nil {
			return fmt.Errorf("glyph lookup %U: %w", r, err)
		}
		if index == 0 {
			missing = append(missing, fmt.Sprintf("%U", r))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no glyphs for %s", strings.Join(missing, ", "))
	}
	return nil
}

func (f Fonts) withDefaults() Fonts {
	defaults := DefaultFonts()
	if len(f.Regular) == 0 {
		f.Regular = defaults.Regular
	}
	if len(f.Bold) == 0 {
		f.Bold = defaults.Bold
	}
	if len(f.Arabic) == 0 {
		f.Arabic = defaults.Arabic
	}
	if len(f.ArabicBold) == 0 {
		f.ArabicBold = f.Arabic
	}
	return f
}
