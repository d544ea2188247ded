package cache

import "strings"

// Key layout shared by every writer and reader of the cache.
const (
	userPrefix     = "user:"
	tokenPrefix    = "token:"
	historyPrefix  = "chat_history:"
	sessionsPrefix = "sessions:"
	attemptsPrefix = "login_attempts:"

	// TokenPattern matches every token mirror.
	TokenPattern = tokenPrefix + "*"
)

func UserKey(username string) string { return userPrefix + username }

func TokenKey(token string) string { return tokenPrefix + token }

// TokenFromKey strips the token prefix; ok is false for foreign keys.
func TokenFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, tokenPrefix) {
		return "", false
	}
	return key[len(tokenPrefix):], true
}

func HistoryKey(username, flowID, sessionID string) string {
	return historyPrefix + username + ":" + flowID + ":" + sessionID
}

// HistoryPattern matches every history key of one user.
func HistoryPattern(username string) string {
	return historyPrefix + escapeGlob(username) + ":*"
}

// HistoryFlowPattern matches every history key of one flow.
func HistoryFlowPattern(username, flowID string) string {
	return historyPrefix + escapeGlob(username) + ":" + escapeGlob(flowID) + ":*"
}

func SessionsKey(username, flowID string) string {
	return sessionsPrefix + username + ":" + flowID
}

// SessionsPattern matches every session list of one user.
func SessionsPattern(username string) string {
	return sessionsPrefix + escapeGlob(username) + ":*"
}

func LoginAttemptsKey(username string) string { return attemptsPrefix + username }

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
