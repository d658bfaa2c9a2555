package session

// Session is the stored credential pair.
//
// A zero Session means no stored credentials. After a successful login or refresh
// both fields are non-empty.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Present reports whether both tokens are set.
func (s Session) Present() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

// Empty reports whether neither token is set.
func (s Session) Empty() bool {
	return s.AccessToken == "" && s.RefreshToken == ""
}
