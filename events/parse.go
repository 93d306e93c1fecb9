package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// genericMessage is decoded first so an error-only payload never reaches
// the full decoder.
type genericMessage struct {
	Type           EventType  `json:"type"`
	DBName         string     `json:"db_name"`
	SubscriptionID uint64     `json:"subscription_id"`
	Error          *ErrorInfo `json:"error"`
}

// ParseMessage decodes a JSON payload.
func ParseMessage(body []byte) (*Message, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	var generic genericMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	if generic.Error != nil {
		return &Message{
			Type:           generic.Type,
			DBName:         generic.DBName,
			SubscriptionID: generic.SubscriptionID,
			Error:          generic.Error,
		}, nil
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode produces the JSON payload ParseMessage decodes.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

type envelopeClaims struct {
	jwt.RegisteredClaims
	Message json.RawMessage `json:"msg"`
}

// Sign wraps an encoded message in an HS256 signed token.
func Sign(msg *Message, key []byte) ([]byte, error) {
	body, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	claims := envelopeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(msg.Timestamp),
			Subject:  fmt.Sprintf("%d", msg.SubscriptionID),
		},
		Message: body,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign notification: %w", err)
	}
	return []byte(signed), nil
}

// ParseSigned verifies a token produced by Sign and decodes its message.
func ParseSigned(token []byte, key []byte) (*Message, error) {
	var claims envelopeClaims
	_, err := jwt.ParseWithClaims(string(token), &claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid notification signature: %w", err)
	}
	if len(claims.Message) == 0 {
		return nil, errors.New("notification token carries no message")
	}
	return ParseMessage(claims.Message)
}

// Decode picks ParseSigned when a key is given and ParseMessage otherwise.
func Decode(payload []byte, key []byte) (*Message, error) {
	if len(key) > 0 {
		return ParseSigned(payload, key)
	}
	return ParseMessage(payload)
}
