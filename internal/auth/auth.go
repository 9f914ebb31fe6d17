package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

const (
	RoleCustomer   = "customer"
	RoleCourier    = "courier"
	RoleRestaurant = "restaurant"
	RoleStaff      = "staff"
)

// Actor is the resolved caller. The set of variants is closed: Customer,
// Courier, Restaurant and Staff.
type Actor interface {
	UserID() int64
	Role() string
	sealed()
}

type Customer struct{ User, CustomerID int64 }
type Courier struct{ User, CourierID int64 }
type Restaurant struct{ User, RestaurantID int64 }
type Staff struct{ User int64 }

func (a Customer) UserID() int64   { return a.User }
func (a Courier) UserID() int64    { return a.User }
func (a Restaurant) UserID() int64 { return a.User }
func (a Staff) UserID() int64      { return a.User }

func (Customer) Role() string   { return RoleCustomer }
func (Courier) Role() string    { return RoleCourier }
func (Restaurant) Role() string { return RoleRestaurant }
func (Staff) Role() string      { return RoleStaff }

func (Customer) sealed()   {}
func (Courier) sealed()    {}
func (Restaurant) sealed() {}
func (Staff) sealed()      {}

// Claims is the token payload. Subject carries the user id and ProfileID
// the role-specific profile id.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	ProfileID int64  `json:"profile_id,omitempty"`
}

// Verifier checks HS256 tokens issued by the identity service.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

func (v *Verifier) Resolve(token string) (Actor, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	user, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: subject %q", ErrInvalidToken, c.Subject)
	}
	switch c.Role {
	case RoleCustomer:
		return Customer{User: user, CustomerID: c.ProfileID}, nil
	case RoleCourier:
		return Courier{User: user, CourierID: c.ProfileID}, nil
	case RoleRestaurant:
		return Restaurant{User: user, RestaurantID: c.ProfileID}, nil
	case RoleStaff:
		return Staff{User: user}, nil
	}
	return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
}

// Issue signs a token for a. Used by tests and local tooling.
func (v *Verifier) Issue(a Actor, ttl time.Duration) (string, error) {
	c := Claims{Role: a.Role()}
	switch x := a.(type) {
	case Customer:
		c.ProfileID = x.CustomerID
	case Courier:
		c.ProfileID = x.CourierID
	case Restaurant:
		c.ProfileID = x.RestaurantID
	}
	now := v.now()
	c.Subject = strconv.FormatInt(a.UserID(), 10)
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// TokenFromRequest reads the Authorization bearer token, falling back to
// the token query parameter that browsers use for websocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
