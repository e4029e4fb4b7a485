package tbapi

import (
	"context"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Platform is an authenticated session with the device-management platform
type Platform interface {
	WithTimeout(d time.Duration) Platform
	WithInsecureSkipVerify() Platform
	WithRateLimit(r rate.Limit, burst int) Platform

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Send(ctx context.Context, method string, path string, body interface{}, query url.Values, timeout time.Duration) (int, []byte, error)
	CredentialsFor(ctx context.Context, deviceID string) (string, error)
}

// DeviceCredentials as returned by GET /api/device/{deviceId}/credentials
type DeviceCredentials struct {
	ID              entityID `json:"id"`
	DeviceID        entityID `json:"deviceId"`
	CredentialsType string   `json:"credentialsType"`
	CredentialsID   string   `json:"credentialsId"`
}

type entityID struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
}
