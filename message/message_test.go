package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.bctree.io/bctree/lib"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	msg, err := New(TypeAttachContext, AttachContext{
		Parent: 7,
		Self:   9,
		Set:    3,
		Name:   "sidebar",
	})
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeAttachContext, decoded.Type)

	var attach AttachContext
	require.NoError(t, decoded.DecodeData(&attach))
	assert.Equal(t, lib.ContextID(7), attach.Parent)
	assert.Equal(t, lib.ContextID(9), attach.Self)
	assert.Equal(t, lib.SetID(3), attach.Set)
	assert.Equal(t, "sidebar", attach.Name)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("{not json"))
	require.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	require.Error(t, err)
}

func TestRootParentOmitted(t *testing.T) {
	t.Parallel()

	data, err := MustNew(TypeAttachContext, AttachContext{Self: 1, Set: 1, Name: "root"}).Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "parent")
}
