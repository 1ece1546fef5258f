package user

type User struct {
	ID             int    `json:"id"`
	Username       string `json:"username"`
	Password       string `json:"-"`
	TargetLanguage string `json:"target_language"`
	APIKey         string `json:"-"`
}

// Profile is what a user sees about themselves. The API key itself is never
// returned.
type Profile struct {
	ID             int    `json:"id"`
	Username       string `json:"username"`
	TargetLanguage string `json:"target_language"`
	HasAPIKey      bool   `json:"has_api_key"`
}

type RegisterRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	TargetLanguage string `json:"target_language"`
	APIKey         string `json:"api_key"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken    string `json:"access_token"`
	ID             int    `json:"id"`
	Username       string `json:"username"`
	TargetLanguage string `json:"target_language"`
}

// SettingsRequest changes only the fields that are present.
type SettingsRequest struct {
	TargetLanguage *string `json:"target_language"`
	APIKey         *string `json:"api_key"`
}
