package textshape

import (
	"golang.org/x/text/unicode/bidi"
)

// Direction is a paragraph base direction.
type Direction int

const (
	LeftToRight Direction = iota
	RightToLeft
)

// leftToRightMark pins a paragraph to left-to-right; bidi.Paragraph otherwise
// takes its level from the first strong character.
const leftToRightMark = '‎'

// mirrored covers mirrored glyphs that are not paired brackets.
var mirrored = map[rune]rune{
	'<': '>', '>': '<',
	'«': '»', '»': '«',
	'‹': '›', '›': '‹',
}

// ContainsRTL reports whether text holds any right-to-left strong character.
func ContainsRTL(text string) bool {
	for _, r := range text {
		switch classOf(r) {
		case bidi.R, bidi.AL:
			return true
		}
	}
	return false
}

// Visual shapes a single logical line and returns it in visual order.
func Visual(line string, base Direction) string {
	return Reorder(Shape(line), base)
}

// Reorder resolves one line with the bidirectional algorithm and returns it in
// left-to-right display order. Numbers keep their internal left-to-right order
// inside right-to-left runs.
func Reorder(line string, base Direction) string {
	if line == "" {
		return line
	}
	runes, levels, err := resolveLevels(line, base)
	if err != nil {
		return line
	}
	reverseByLevel(runes, levels)
	return string(runes)
}

func classOf(r rune) bidi.Class {
	properties, _ := bidi.LookupRune(r)
	return properties.Class()
}

// resolveLevels runs bidi.Paragraph over line and rebuilds per-rune embedding
// levels from its runs. Runs only carry a direction, so left-to-right runs are
// level 2 in a right-to-left paragraph, and in a left-to-right paragraph the
// number opening a run that follows right-to-left text is level 2.
func resolveLevels(line string, base Direction) ([]rune, []int, error) {
	text := line
	option := bidi.DefaultDirection(bidi.RightToLeft)
	baseLevel := 1
	if base == LeftToRight {
		text = string(leftToRightMark) + line
		option = bidi.DefaultDirection(bidi.LeftToRight)
		baseLevel = 0
	}

	var paragraph bidi.Paragraph
	if _, err := paragraph.SetString(text, option); err != nil {
		return nil, nil, err
	}
	ordering, err := paragraph.Order()
	if err != nil {
		return nil, nil, err
	}

	all := []rune(text)
	runes := make([]rune, 0, len(all))
	levels := make([]int, 0, len(all))
	afterRTL := false
	for index := 0; index < ordering.NumRuns(); index++ {
		run := ordering.Run(index)
		runRunes := []rune(run.String())
		runes = append(runes, runRunes...)
		if run.Direction() == bidi.RightToLeft {
			levels = appendLevel(levels, 1, len(runRunes))
			afterRTL = true
			continue
		}
		if baseLevel == 1 {
			levels = appendLevel(levels, 2, len(runRunes))
		} else {
			number := 0
			if afterRTL {
				number = numberPrefix(runRunes)
			}
			levels = appendLevel(levels, 2, number)
			levels = appendLevel(levels, 0, len(runRunes)-number)
		}
		afterRTL = false
	}
	// A paragraph separator ends bidi.Paragraph input early.
	if len(runes) < len(all) {
		levels = appendLevel(levels, baseLevel, len(all)-len(runes))
		runes = all
	}

	if base == LeftToRight {
		return runes[1:], levels[1:], nil
	}
	return runes, levels, nil
}

func appendLevel(levels []int, level, count int) []int {
	for ; count > 0; count-- {
		levels = append(levels, level)
	}
	return levels
}

// numberPrefix is the length of the leading number in runes, separators
// included only between digits.
func numberPrefix(runes []rune) int {
	end := 0
	for index, r := range runes {
		switch classOf(r) {
		case bidi.EN, bidi.AN, bidi.ET:
			end = index + 1
		case bidi.CS, bidi.ES, bidi.NSM:
		default:
			return end
		}
	}
	return end
}

func mirror(r rune) rune {
	if properties, _ := bidi.LookupRune(r); properties.IsBracket() {
		return []rune(bidi.ReverseString(string(r)))[0]
	}
	if counterpart, ok := mirrored[r]; ok {
		return counterpart
	}
	return r
}

// reverseByLevel applies rule L2 and mirrors glyphs on odd levels.
func reverseByLevel(runes []rune, levels []int) {
	highest, lowestOdd := 0, -1
	for _, level := range levels {
		if level > highest {
			highest = level
		}
		if level%2 == 1 && (lowestOdd < 0 || level < lowestOdd) {
			lowestOdd = level
		}
	}
	for index, level := range levels {
		if level%2 == 1 {
			runes[index] = mirror(runes[index])
		}
	}
	if lowestOdd < 0 {
		return
	}
	for level := highest; level >= lowestOdd; level-- {
		for index := 0; index < len(levels); index++ {
			if levels[index] < level {
				continue
			}
			end := index
			for end < len(levels) && levels[end] >= level {
				end++
			}
			reverseRange(runes, levels, index, end)
			index = end
		}
	}
}

func reverseRange(runes []rune, levels []int, start, end int) {
	for left, right := start, end-1; left < right; left, right = left+1, right-1 {
		runes[left], runes[right] = runes[right], runes[left]
		levels[left], levels[right] = levels[right], levels[left]
	}
}
