// Package textshape prepares Arabic text for fonts that have no shaping engine:
// letters are mapped to their contextual presentation forms and lines are
// reordered from logical to visual order.
package textshape

// forms holds the isolated, final, initial and medial presentation forms of a
// letter. Zero initial and medial forms mark a letter that only joins to the
// preceding letter.
type forms [4]rune

const (
	formIsolated = iota
	formFinal
	formInitial
	formMedial
)

const (
	tatweel = 'ـ'
	lam     = 'ل'
)

var letterForms = map[rune]forms{
	'ء': {0xFE80, 0, 0, 0},
	'آ': {0xFE81, 0xFE82, 0, 0},
	'أ': {0xFE83, 0xFE84, 0, 0},
	'ؤ': {0xFE85, 0xFE86, 0, 0},
	'إ': {0xFE87, 0xFE88, 0, 0},
	'ئ': {0xFE89, 0xFE8A, 0xFE8B, 0xFE8C},
	'ا': {0xFE8D, 0xFE8E, 0, 0},
	'ب': {0xFE8F, 0xFE90, 0xFE91, 0xFE92},
	'ة': {0xFE93, 0xFE94, 0, 0},
	'ت': {0xFE95, 0xFE96, 0xFE97, 0xFE98},
	'ث': {0xFE99, 0xFE9A, 0xFE9B, 0xFE9C},
	'ج': {0xFE9D, 0xFE9E, 0xFE9F, 0xFEA0},
	'ح': {0xFEA1, 0xFEA2, 0xFEA3, 0xFEA4},
	'خ': {0xFEA5, 0xFEA6, 0xFEA7, 0xFEA8},
	'د': {0xFEA9, 0xFEAA, 0, 0},
	'ذ': {0xFEAB, 0xFEAC, 0, 0},
	'ر': {0xFEAD, 0xFEAE, 0, 0},
	'ز': {0xFEAF, 0xFEB0, 0, 0},
	'س': {0xFEB1, 0xFEB2, 0xFEB3, 0xFEB4},
	'ش': {0xFEB5, 0xFEB6, 0xFEB7, 0xFEB8},
	'ص': {0xFEB9, 0xFEBA, 0xFEBB, 0xFEBC},
	'ض': {0xFEBD, 0xFEBE, 0xFEBF, 0xFEC0},
	'ط': {0xFEC1, 0xFEC2, 0xFEC3, 0xFEC4},
	'ظ': {0xFEC5, 0xFEC6, 0xFEC7, 0xFEC8},
	'ع': {0xFEC9, 0xFECA, 0xFECB, 0xFECC},
	'غ': {0xFECD, 0xFECE, 0xFECF, 0xFED0},
	'ف': {0xFED1, 0xFED2, 0xFED3, 0xFED4},
	'ق': {0xFED5, 0xFED6, 0xFED7, 0xFED8},
	'ك': {0xFED9, 0xFEDA, 0xFEDB, 0xFEDC},
	'ل': {0xFEDD, 0xFEDE, 0xFEDF, 0xFEE0},
	'م': {0xFEE1, 0xFEE2, 0xFEE3, 0xFEE4},
	'ن': {0xFEE5, 0xFEE6, 0xFEE7, 0xFEE8},
	'ه': {0xFEE9, 0xFEEA, 0xFEEB, 0xFEEC},
	'و': {0xFEED, 0xFEEE, 0, 0},
	'ى': {0xFEEF, 0xFEF0, 0, 0},
	'ي': {0xFEF1, 0xFEF2, 0xFEF3, 0xFEF4},
}

// lamAlef maps the alef following a lam to the isolated and final ligature.
var lamAlef = map[rune][2]rune{
	'آ': {0xFEF5, 0xFEF6},
	'أ': {0xFEF7, 0xFEF8},
	'إ': {0xFEF9, 0xFEFA},
	'ا': {0xFEFB, 0xFEFC},
}

// isTransparent reports combining marks that do not interrupt joining.
func isTransparent(r rune) bool {
	return (r >= 0x064B && r <= 0x065F) || r == 0x0670 || (r >= 0x06D6 && r <= 0x06ED)
}

// joinsForward reports whether r connects to the letter that follows it.
func joinsForward(r rune) bool {
	if r == tatweel {
		return true
	}
	f, ok := letterForms[r]
	return ok && f[formInitial] != 0
}

// joinsBackward reports whether r connects to the letter that precedes it.
func joinsBackward(r rune) bool {
	if r == tatweel {
		return true
	}
	f, ok := letterForms[r]
	return ok && f[formFinal] != 0
}

// Shape replaces Arabic letters with their contextual presentation forms and
// substitutes lam-alef ligatures. Input is in logical order; non-Arabic runes
// pass through unchanged.
func Shape(text string) string {
	runes := []rune(text)
	out := make([]rune, 0, len(runes))
	for index := 0; index < len(runes); index++ {
		current := runes[index]
		letter, ok := letterForms[current]
		if !ok {
			out = append(out, current)
			continue
		}
		prev := neighbor(runes, index, -1)
		joinPrev := prev != 0 && joinsForward(prev)

		nextIndex := neighborIndex(runes, index, 1)
		if current == lam && nextIndex >= 0 {
			if ligature, isAlef := lamAlef[runes[nextIndex]]; isAlef {
				if joinPrev {
					out = append(out, ligature[1])
				} else {
					out = append(out, ligature[0])
				}
				out = append(out, runes[index+1:nextIndex]...)
				index = nextIndex
				continue
			}
		}

		joinNext := nextIndex >= 0 && joinsBackward(runes[nextIndex]) && joinsForward(current)
		form := formIsolated
		switch {
		case joinPrev && joinNext:
			form = formMedial
		case joinPrev:
			form = formFinal
		case joinNext:
			form = formInitial
		}
		if letter[form] == 0 {
			if joinPrev && letter[formFinal] != 0 {
				form = formFinal
			} else {
				form = formIsolated
			}
		}
		out = append(out, letter[form])
	}
	return string(out)
}

func neighborIndex(runes []rune, index, step int) int {
	for cursor := index + step; cursor >= 0 && cursor < len(runes); cursor += step {
		if !isTransparent(runes[cursor]) {
			return cursor
		}
	}
	return -1
}

func neighbor(runes []rune, index, step int) rune {
	position := neighborIndex(runes, index, step)
	if position < 0 {
		return 0
	}
	return runes[position]
}
