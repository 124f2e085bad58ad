package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims issued by the platform for one document session

type SessionAuth struct {
	UserId      string
	DocumentId  string
	DisplayName string
}

// ParseSessionAuthUnverified extracts the session claims without verifying
// the signature. Verification happens on the platform side; the client only
// needs the identity for presence and frame routing.
func ParseSessionAuthUnverified(byJwt string) (*SessionAuth, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionAuth := &SessionAuth{}

	if userId, ok := claims["user_id"].(string); ok {
		sessionAuth.UserId = userId
	}
	if documentId, ok := claims["document_id"].(string); ok {
		sessionAuth.DocumentId = documentId
	}
	if displayName, ok := claims["display_name"].(string); ok {
		sessionAuth.DisplayName = displayName
	}

	return sessionAuth, nil
}
