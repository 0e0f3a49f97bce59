package component_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kart-io/docchat/pkg/component"
)

func TestCheckFunc(t *testing.T) {
	down := errors.New("connection refused")
	var chk component.Checker = component.CheckFunc{
		ID: "embedding",
		Fn: func(context.Context) error { return down },
	}

	assert.Equal(t, "embedding", chk.Name())
	assert.ErrorIs(t, chk.Ping(context.Background()), down)
}
