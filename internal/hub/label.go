package hub

import (
	"strings"
)

// honorifics that already address the user politely
var titles = []string{
	"さん", "サン", "ｻﾝ", "㌠",
	"ちゃん", "チャン", "ﾁｬﾝ",
	"君", "くん", "クン", "ｸﾝ",
	"先生", "せんせい", "センセイ", "ｾﾝｾｲ",
}

// OpponentLabel renders a profile link for u. Display names carrying markup
// characters fall back to the username.
func OpponentLabel(u User, host string) string {
	name := u.Username
	if u.Name != nil && strings.TrimSpace(*u.Name) != "" {
		name = *u.Name
	}
	if strings.ContainsAny(name, "$<*") {
		name = u.Username
	}
	if name == "" {
		name = u.ID
	}
	suffix := "さん"
	for _, t := range titles {
		if strings.HasSuffix(name, t) {
			suffix = ""
			break
		}
	}
	return "?[" + name + "](" + strings.TrimRight(host, "/") + "/@" + u.Username + ")" + suffix
}

// GameURL is the public watch page of a match.
func GameURL(host, matchID string) string {
	return strings.TrimRight(host, "/") + "/reversi/g/" + matchID
}
