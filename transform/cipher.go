package transform

// Caesar shifts ASCII letters by shift positions, keeping case. Other
// characters are left as they are.
func Caesar(text string, shift int) string {
	shift %= 26
	if shift < 0 {
		shift += 26
	}
	out := []byte(text)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + (c-'a'+byte(shift))%26
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + (c-'A'+byte(shift))%26
		}
	}
	return string(out)
}

// Decrypt reverses Caesar.
func Decrypt(text string, shift int) string {
	return Caesar(text, -shift)
}
