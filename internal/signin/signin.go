// Package signin содержит провайдеры входа: форму с паролем и OAuth 2.0 через Google.
package signin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/mmeshcher/pizza-storefront/internal/model"
)

// ErrUnknownProvider возвращается, если провайдер с таким именем не зарегистрирован.
var ErrUnknownProvider = errors.New("unknown sign-in provider")

// ErrNotCompletable возвращается для провайдеров, вход через которые завершает форма.
var ErrNotCompletable = errors.New("sign-in provider does not use a callback")

// Provider начинает вход и возвращает адрес, на который нужно отправить пользователя.
type Provider interface {
	Name() string
	BeginSignIn(ctx context.Context, redirectTarget string) (string, error)
}

// Completer завершает вход по коду, полученному от внешнего провайдера.
type Completer interface {
	Complete(ctx context.Context, code string) (model.ExternalIdentity, error)
}

// PasswordProvider отправляет на форму входа витрины.
type PasswordProvider struct {
	// Путь формы входа.
	FormPath string
}

// NewPasswordProvider создаёт провайдер формы входа.
func NewPasswordProvider(formPath string) *PasswordProvider {
	return &PasswordProvider{FormPath: formPath}
}

func (p *PasswordProvider) Name() string {
	return "password"
}

func (p *PasswordProvider) BeginSignIn(ctx context.Context, redirectTarget string) (string, error) {
	if redirectTarget == "" {
		return p.FormPath, nil
	}
	return p.FormPath + "?" + url.Values{"redirect": {redirectTarget}}.Encode(), nil
}

// Registry хранит провайдеры по имени.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry регистрирует переданные провайдеры.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Lookup возвращает провайдер по имени.
func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Completer возвращает провайдер, умеющий завершать вход по коду.
func (r *Registry) Completer(name string) (Completer, error) {
	p, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	c, ok := p.(Completer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCompletable, name)
	}
	return c, nil
}

// Names возвращает имена зарегистрированных провайдеров.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
