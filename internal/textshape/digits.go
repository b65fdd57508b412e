package textshape

const (
	easternZero            = '٠'
	arabicThousandsSep     = '٬'
	arabicDecimalSeparator = '٫'
)

// EasternArabicDigits maps Western digits to Eastern Arabic-Indic digits.
// Grouping and decimal separators that sit between two digits become their
// Arabic counterparts.
func EasternArabicDigits(text string) string {
	runes := []rune(text)
	out := make([]rune, len(runes))
	for index, r := range runes {
		switch {
		case r >= '0' && r <= '9':
			out[index] = easternZero + (r - '0')
		case (r == ',' || r == '.') && betweenDigits(runes, index):
			if r == ',' {
				out[index] = arabicThousandsSep
			} else {
				out[index] = arabicDecimalSeparator
			}
		default:
			out[index] = r
		}
	}
	return string(out)
}

// WesternDigits maps Eastern Arabic-Indic digits and separators back to ASCII.
func WesternDigits(text string) string {
	runes := []rune(text)
	for index, r := range runes {
		switch {
		case r >= easternZero && r <= easternZero+9:
			runes[index] = '0' + (r - easternZero)
		case r == arabicThousandsSep:
			runes[index] = ','
		case r == arabicDecimalSeparator:
			runes[index] = '.'
		}
	}
	return string(runes)
}

func isAnyDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= easternZero && r <= easternZero+9)
}

func betweenDigits(runes []rune, index int) bool {
	return index > 0 && index < len(runes)-1 && isAnyDigit(runes[index-1]) && isAnyDigit(runes[index+1])
}
