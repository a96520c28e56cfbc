package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryApp_Actions(t *testing.T) {
	app := NewMemoryApp()
	ctx := context.Background()

	out, err := app.Write(ctx, "s", "set", []byte(`{"key":"b","value":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"b":[1,2]}`, string(out))

	out, err = app.Write(ctx, "s", "set", []byte(`{"key":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":null,"b":[1,2]}`, string(out))

	out, err = app.Write(ctx, "s", "delete", []byte(`{"key":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":null}`, string(out))

	out, err = app.Write(ctx, "s", "clear", nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(out))
}

func TestMemoryApp_Rejections(t *testing.T) {
	app := NewMemoryApp()
	ctx := context.Background()

	_, err := app.Write(ctx, "s", "launch", nil)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = app.Write(ctx, "s", "set", []byte(`not json`))
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = app.Write(ctx, "s", "set", []byte(`{"value":1}`))
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestMemoryApp_SessionsAreSeparate(t *testing.T) {
	app := NewMemoryApp()
	ctx := context.Background()

	_, err := app.Write(ctx, "one", "set", []byte(`{"key":"k","value":1}`))
	require.NoError(t, err)

	out, err := app.Read(ctx, "two", "k")
	require.NoError(t, err)
	assert.Equal(t, `{"key":"k","value":null}`, string(out))

	out, err = app.Read(ctx, "one", "k")
	require.NoError(t, err)
	assert.Equal(t, `{"key":"k","value":1}`, string(out))

	app.Forget("one")
	out, err = app.Read(ctx, "one", "doc")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(out))
}
