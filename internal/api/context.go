package api

import (
	"context"

	"github.com/org/fleetrotate/pkg/models"
)

type contextKey string

const (
	ctxKeyDevice    contextKey = "device"
	ctxKeyRequestID contextKey = "request_id"
)

func withDevice(ctx context.Context, d *models.Device) context.Context {
	return context.WithValue(ctx, ctxKeyDevice, d)
}

func deviceFromCtx(ctx context.Context) *models.Device {
	d, _ := ctx.Value(ctxKeyDevice).(*models.Device)
	return d
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
