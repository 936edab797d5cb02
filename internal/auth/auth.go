package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

var ErrUnauthenticated = errors.New("no authenticated owner")

// Identity владелец запроса, установленный шлюзом
type Identity struct {
	Owner string
	Admin bool
}

type contextKey struct{}

// Middleware доверяет заголовкам идентификации. Запросы без владельца
// отклоняются с 401
func Middleware(cfg *Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := VerifyIdentity(r, cfg)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error": err.Error(),
					"kind":  "unauthenticated",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// VerifyIdentity читает владельца и признак администратора из заголовков
func VerifyIdentity(r *http.Request, cfg *Config) (Identity, error) {
	owner := r.Header.Get(cfg.OwnerHeader)
	if owner == "" {
		return Identity{}, ErrUnauthenticated
	}

	var admin bool
	if cfg.AdminHeader != "" {
		admin, _ = strconv.ParseBool(r.Header.Get(cfg.AdminHeader))
	}

	return Identity{Owner: owner, Admin: admin}, nil
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// ResolveOwner возвращает владельца, от имени которого выполняется операция.
// Администратор может указать другого владельца, остальные работают только со своими файлами
func (id Identity) ResolveOwner(requested string) (string, bool) {
	if requested == "" || requested == id.Owner {
		return id.Owner, true
	}
	if id.Admin {
		return requested, true
	}
	return "", false
}
