package signin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pizza-storefront/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

// GoogleConfig содержит параметры OAuth-клиента Google.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Адреса переопределяются в тестах.
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleProvider выполняет вход по коду авторизации OAuth 2.0.
type GoogleProvider struct {
	config   GoogleConfig
	client   *http.Client
	newState func() string
}

// NewGoogleProvider создаёт провайдер Google.
func NewGoogleProvider(config GoogleConfig) *GoogleProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	return &GoogleProvider{
		config:   config,
		client:   &http.Client{Timeout: 10 * time.Second},
		newState: func() string { return uuid.NewString() },
	}
}

func (p *GoogleProvider) Name() string {
	return "google"
}

// BeginSignIn возвращает адрес согласия Google. Параметр state хранит случайный
// идентификатор и цель перехода после входа, разделённые точкой.
func (p *GoogleProvider) BeginSignIn(ctx context.Context, redirectTarget string) (string, error) {
	if p.config.ClientID == "" {
		return "", errors.New("google sign-in is not configured")
	}
	state := p.newState()
	if redirectTarget != "" {
		state += "." + url.QueryEscape(redirectTarget)
	}
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
	}
	return p.config.AuthURL + "?" + params.Encode(), nil
}

// SplitState разбирает state на идентификатор и цель перехода.
func SplitState(state string) (nonce, target string) {
	nonce, rest, found := strings.Cut(state, ".")
	if !found {
		return nonce, ""
	}
	target, err := url.QueryUnescape(rest)
	if err != nil {
		return nonce, ""
	}
	return nonce, target
}

type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Complete обменивает код на токен доступа и получает профиль пользователя.
func (p *GoogleProvider) Complete(ctx context.Context, code string) (model.ExternalIdentity, error) {
	if code == "" {
		return model.ExternalIdentity{}, errors.New("missing authorization code")
	}

	token, err := p.exchangeToken(ctx, code)
	if err != nil {
		return model.ExternalIdentity{}, fmt.Errorf("failed to exchange token: %w", err)
	}

	info, err := p.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return model.ExternalIdentity{}, fmt.Errorf("failed to fetch user info: %w", err)
	}

	return model.ExternalIdentity{
		Provider: p.Name(),
		Email:    info.Email,
		Name:     info.Name,
	}, nil
}

func (p *GoogleProvider) exchangeToken(ctx context.Context, code string) (*googleTokenResponse, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("empty access token in response")
	}
	return &tokenResp, nil
}

func (p *GoogleProvider) fetchUserInfo(ctx context.Context, accessToken string) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if info.Email == "" {
		return nil, errors.New("empty email in user info response")
	}
	return &info, nil
}

func (p *GoogleProvider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

var (
	_ Provider  = (*GoogleProvider)(nil)
	_ Completer = (*GoogleProvider)(nil)
	_ Provider  = (*PasswordProvider)(nil)
)
