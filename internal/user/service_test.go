package user

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	myMiddleware "polychat/internal/middleware"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]*User
	next  int
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*User)}
}

func (m *memStore) CreateUser(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return nil, ErrUsernameTaken
	}
	m.next++
	u.ID = m.next
	cp := *u
	m.users[u.Username] = &cp
	return u, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByID(_ context.Context, id int) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) SearchUsers(_ context.Context, q string) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []User
	for name, u := range m.users {
		if strings.Contains(strings.ToLower(name), strings.ToLower(q)) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m *memStore) UpdateSettings(_ context.Context, id int, lang, apiKey *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID != id {
			continue
		}
		if lang != nil {
			u.TargetLanguage = *lang
		}
		if apiKey != nil {
			u.APIKey = *apiKey
		}
		return nil
	}
	return ErrNotFound
}

func TestRegisterAndLogin(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, "secret")
	ctx := context.Background()

	u, err := svc.Register(ctx, &RegisterRequest{Username: " alice ", Password: "pw", TargetLanguage: " EN ", APIKey: "sk-1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Username != "alice" || u.TargetLanguage != "en" || u.Password == "pw" {
		t.Errorf("registered %+v", u)
	}

	if _, err := svc.Register(ctx, &RegisterRequest{Username: "alice", Password: "x", TargetLanguage: "es"}); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("duplicate register = %v, want ErrUsernameTaken", err)
	}

	res, err := svc.Login(ctx, &LoginRequest{Username: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.ID != u.ID || res.TargetLanguage != "en" {
		t.Errorf("login = %+v", res)
	}

	id, name, err := svc.ValidateToken(res.AccessToken)
	if err != nil || id != u.ID || name != "alice" {
		t.Errorf("ValidateToken = %d, %q, %v", id, name, err)
	}

	if _, err := svc.Login(ctx, &LoginRequest{Username: "alice", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password = %v", err)
	}
	if _, err := svc.Login(ctx, &LoginRequest{Username: "bob", Password: "pw"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user = %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(newMemStore(), "secret")
	cases := []RegisterRequest{
		{Username: "", Password: "pw", TargetLanguage: "en"},
		{Username: "a", Password: "", TargetLanguage: "en"},
		{Username: "a", Password: "pw", TargetLanguage: "  "},
	}
	for _, req := range cases {
		if _, err := svc.Register(context.Background(), &req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Register(%+v) = %v, want ErrInvalidInput", req, err)
		}
	}
}

func TestValidateTokenRejectsExpiredAndForeign(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, "secret")
	svc.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	svc.Register(context.Background(), &RegisterRequest{Username: "alice", Password: "pw", TargetLanguage: "en"})

	res, err := svc.Login(context.Background(), &LoginRequest{Username: "alice", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.ValidateToken(res.AccessToken); err == nil {
		t.Error("expired token accepted")
	}

	other := NewService(store, "other-secret")
	fresh, _ := other.Login(context.Background(), &LoginRequest{Username: "alice", Password: "pw"})
	if _, _, err := svc.ValidateToken(fresh.AccessToken); err == nil {
		t.Error("token signed with another secret accepted")
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, MyJWTClaims{ID: 1})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, _, err := svc.ValidateToken(unsigned); err == nil {
		t.Error("unsigned token accepted")
	}
}

func TestUpdateSettings(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, "secret")
	u, _ := svc.Register(context.Background(), &RegisterRequest{Username: "alice", Password: "pw", TargetLanguage: "en"})

	lang, key := " Spanish", " sk-2 "
	if err := svc.UpdateSettings(context.Background(), u.ID, &SettingsRequest{TargetLanguage: &lang, APIKey: &key}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetUserByUsername(context.Background(), "alice")
	if got.TargetLanguage != "spanish" || got.APIKey != "sk-2" {
		t.Errorf("settings = %q %q", got.TargetLanguage, got.APIKey)
	}

	me, err := svc.Me(context.Background(), u.ID)
	if err != nil || me.TargetLanguage != "spanish" || !me.HasAPIKey {
		t.Errorf("Me = %+v, %v", me, err)
	}

	if err := svc.UpdateSettings(context.Background(), u.ID, &SettingsRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty update = %v", err)
	}
	if err := svc.UpdateSettings(context.Background(), 99, &SettingsRequest{APIKey: &key}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown user = %v", err)
	}
}

func TestHandlers(t *testing.T) {
	h := NewHandler(NewService(newMemStore(), "secret"))

	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/register",
		strings.NewReader(`{"username":"alice","password":"pw","target_language":"en"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Errorf("register response leaks the password: %s", rec.Body)
	}

	rec = httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/register",
		strings.NewReader(`{"username":"alice","password":"pw","target_language":"en"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate register = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"alice","password":"nope"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Search(rec, httptest.NewRequest(http.MethodGet, "/api/users/search?q=zed", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("search = %d %s", rec.Code, rec.Body)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req = req.WithContext(context.WithValue(req.Context(), myMiddleware.UserKey, 1))
	rec = httptest.NewRecorder()
	h.Me(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me = %d %s", rec.Code, rec.Body)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"username":"alice"`) || !strings.Contains(body, `"has_api_key":false`) {
		t.Errorf("me body = %s", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req = req.WithContext(context.WithValue(req.Context(), myMiddleware.UserKey, 42))
	rec = httptest.NewRecorder()
	h.Me(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("me for unknown user = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPatch, "/api/users/me", strings.NewReader(`{"target_language":"fr"}`))
	req = req.WithContext(context.WithValue(req.Context(), myMiddleware.UserKey, 1))
	rec = httptest.NewRecorder()
	h.UpdateSettings(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("update settings = %d %s", rec.Code, rec.Body)
	}
}
