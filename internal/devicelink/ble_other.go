//go:build !linux

package devicelink

import (
	"context"
	"errors"
	"time"
)

var errBLEUnsupported = errors.New("host Bluetooth adapter is only supported on linux; use the serial bridge")

// BLELink is unavailable on this platform.
type BLELink struct{}

func NewBLELink() *BLELink { return &BLELink{} }

func (*BLELink) Connect(ctx context.Context, address string) (Handle, error) {
	return nil, linkErr("connect", address, errBLEUnsupported)
}

func (*BLELink) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	return nil, linkErr("scan", "", errBLEUnsupported)
}
