package security

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetrpc/filter"
	"github.com/BaSui01/fleetrpc/message"
	"github.com/BaSui01/fleetrpc/types"
)

// bodyClaims embeds the message body in a signed token.
type bodyClaims struct {
	jwt.RegisteredClaims
	message.Body
}

// JWT signs every body as an HS256 token with a shared secret.
type JWT struct {
	base
	secret []byte
	parser *jwt.Parser
}

// NewJWT creates the signing provider. The secret must be set.
func NewJWT(cfg Config) (*JWT, error) {
	if cfg.Secret == "" {
		return nil, types.NewError(types.ErrConfiguration, "jwt security provider needs a secret")
	}
	return &JWT{
		base:   newBase(cfg, "jwt"),
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}, nil
}

// EncodeRequest implements message.Security.
func (p *JWT) EncodeRequest(identity string, payload any, requestID string, f filter.Filter, agent, collective string, ttl int) ([]byte, error) {
	body, err := p.requestBody(identity, payload, requestID, f, agent, collective, ttl)
	if err != nil {
		return nil, err
	}
	return p.sign(body)
}

// EncodeReply implements message.Security.
func (p *JWT) EncodeReply(agent string, payload any, requestID, callerID string) ([]byte, error) {
	body, err := p.replyBody(agent, payload, requestID)
	if err != nil {
		return nil, err
	}
	// replies are addressed to the caller that asked
	body.CallerID = callerID
	return p.sign(body)
}

func (p *JWT) sign(body *message.Body) ([]byte, error) {
	claims := bodyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: body.SenderID,
			ID:     body.RequestID,
		},
		Body: *body,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return nil, fmt.Errorf("sign body: %w", err)
	}
	return []byte(signed), nil
}

// Decode implements message.Security. Bodies with a bad signature, or
// whose claims disagree with the body, are rejected.
func (p *JWT) Decode(raw []byte) (*message.Body, error) {
	var claims bodyClaims
	token, err := p.parser.ParseWithClaims(string(raw), &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		p.logger.Debug("rejected body", zap.Error(err))
		return nil, types.NewError(types.ErrSecurityValidation, "invalid body signature").WithCause(err)
	}
	if claims.Issuer != claims.SenderID || claims.ID != claims.RequestID {
		return nil, types.NewError(types.ErrSecurityValidation, "body claims do not match body")
	}
	body := claims.Body
	return &body, nil
}
