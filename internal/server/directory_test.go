package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_RegisterLookup(t *testing.T) {
	d := NewDirectory()
	c1 := &Client{id: "c1"}

	replaced, err := d.Register("u1", c1)
	require.NoError(t, err)
	assert.Nil(t, replaced, "expected no previous session")

	got, ok := d.Lookup("u1")
	assert.True(t, ok)
	assert.Same(t, c1, got)

	_, ok = d.Lookup("u2")
	assert.False(t, ok, "expected unknown user to be absent")
}

func TestDirectory_RegisterOverwrites(t *testing.T) {
	d := NewDirectory()
	c1 := &Client{id: "c1"}
	c2 := &Client{id: "c2"}

	_, err := d.Register("u1", c1)
	require.NoError(t, err)
	replaced, err := d.Register("u1", c2)
	require.NoError(t, err)

	assert.Same(t, c1, replaced, "expected the old session to be returned")
	got, _ := d.Lookup("u1")
	assert.Same(t, c2, got, "expected last writer to win")
	assert.Equal(t, 1, d.Len())
}

func TestDirectory_RegisterEmptyUserId(t *testing.T) {
	d := NewDirectory()

	_, err := d.Register("", &Client{})
	assert.ErrorIs(t, err, ErrEmptyUserId)
	assert.Equal(t, 0, d.Len())
}

func TestDirectory_Unregister(t *testing.T) {
	t.Run("current session", func(t *testing.T) {
		d := NewDirectory()
		c1 := &Client{id: "c1"}
		d.Register("u1", c1)

		assert.True(t, d.Unregister("u1", c1))
		_, ok := d.Lookup("u1")
		assert.False(t, ok)
	})

	t.Run("stale session leaves the live one mapped", func(t *testing.T) {
		d := NewDirectory()
		stale := &Client{id: "c1"}
		live := &Client{id: "c2"}
		d.Register("u1", stale)
		d.Register("u1", live)

		assert.False(t, d.Unregister("u1", stale))
		got, ok := d.Lookup("u1")
		assert.True(t, ok)
		assert.Same(t, live, got)
	})

	t.Run("nil client removes unconditionally", func(t *testing.T) {
		d := NewDirectory()
		d.Register("u1", &Client{id: "c1"})

		assert.True(t, d.Unregister("u1", nil))
		assert.Equal(t, 0, d.Len())
	})

	t.Run("missing entry is a no-op", func(t *testing.T) {
		d := NewDirectory()

		assert.False(t, d.Unregister("u1", &Client{}))
		assert.False(t, d.Unregister("u1", nil))
	})
}

func TestDirectory_ListOnline(t *testing.T) {
	d := NewDirectory()
	online := d.ListOnline()
	assert.NotNil(t, online, "expected an empty roster to be a non-nil slice")
	assert.Empty(t, online)

	raw, err := json.Marshal(online)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))

	for _, id := range []string{"u3", "u1", "u2"} {
		d.Register(id, &Client{id: "conn-" + id})
	}

	assert.Equal(t, []string{"u1", "u2", "u3"}, d.ListOnline())
}

// The directory holds exactly one entry per connected user and reflects the
// latest registration for each.
func TestDirectory_SequenceMatchesModel(t *testing.T) {
	type op struct {
		register bool
		userId   string
		conn     string
	}

	ops := []op{
		{true, "u1", "a"},
		{true, "u2", "b"},
		{true, "u1", "c"},
		{false, "u1", "a"},
		{true, "u3", "d"},
		{false, "u2", "b"},
		{true, "u2", "e"},
		{false, "u1", "c"},
		{true, "u1", "f"},
		{false, "u3", "x"},
	}

	d := NewDirectory()
	conns := make(map[string]*Client)
	model := make(map[string]string)

	for _, o := range ops {
		c, ok := conns[o.conn]
		if !ok {
			c = &Client{id: o.conn}
			conns[o.conn] = c
		}

		if o.register {
			_, err := d.Register(o.userId, c)
			require.NoError(t, err)
			model[o.userId] = o.conn
		} else {
			d.Unregister(o.userId, c)
			if model[o.userId] == o.conn {
				delete(model, o.userId)
			}
		}

		assert.Equal(t, len(model), d.Len())
		for userId, connId := range model {
			got, ok := d.Lookup(userId)
			require.True(t, ok, "expected %q to be online", userId)
			assert.Equal(t, connId, got.id, "expected latest registration for %q", userId)
		}
	}

	assert.Equal(t, []string{"u1", "u2", "u3"}, d.ListOnline())
}
