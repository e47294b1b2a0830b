// Package glob implements shell-style * and ? pattern matching on plain
// strings, used by the runtime manager to resolve "start <glob>" style
// control-plane verbs against runtime names (spec §4.3).
package glob

// Match reports whether name matches pattern, where '*' matches any run
// of characters (including none) and '?' matches exactly one character.
// There is no escaping and no character-class syntax: the pattern
// alphabet is closed by design (spec §9: "implement with literal
// tables").
func Match(pattern, name string) bool {
	return match([]rune(pattern), []rune(name))
}

func match(pattern, name []rune) bool {
	// dp[i][j] = pattern[i:] matches name[j:]
	dp := make([][]bool, len(pattern)+1)
	for i := range dp {
		dp[i] = make([]bool, len(name)+1)
	}
	dp[len(pattern)][len(name)] = true

	for i := len(pattern) - 1; i >= 0; i-- {
		for j := len(name); j >= 0; j-- {
			switch pattern[i] {
			case '*':
				dp[i][j] = dp[i+1][j] || (j < len(name) && dp[i][j+1])
			case '?':
				dp[i][j] = j < len(name) && dp[i+1][j+1]
			default:
				dp[i][j] = j < len(name) && name[j] == pattern[i] && dp[i+1][j+1]
			}
		}
	}

	return dp[0][0]
}

// HasMeta reports whether pattern contains any glob metacharacter; the
// manager uses this to skip the matcher entirely for a literal name.
func HasMeta(pattern string) bool {
	for _, r := range pattern {
		if r == '*' || r == '?' {
			return true
		}
	}
	return false
}
