package eventstore_test

import (
	"testing"

	"github.com/go-conductor/conductor/eventstore"
	"github.com/go-conductor/conductor/runtime/scheme"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMarshallerRoundTrip(t *testing.T) {
	marshaller := testMarshaller()

	original := &AccountOpened{AccountID: "acc-9", Owner: "bob"}

	data, err := marshaller.Marshal(original)
	require.NoError(t, err)

	name, err := marshaller.Kind(original)
	require.NoError(t, err)
	assert.Equal(t, "accounts.AccountOpened", name)

	decoded, err := marshaller.Unmarshal(name, data)
	require.NoError(t, err)

	opened, ok := decoded.(*AccountOpened)
	require.True(t, ok)
	assert.Equal(t, "acc-9", opened.AccountID)
	assert.Equal(t, "bob", opened.Owner)
}

func TestJSONMarshallerStampsGroupKind(t *testing.T) {
	marshaller := testMarshaller()

	payload := &MoneyDeposited{AccountID: "acc-9", Amount: 3.5}
	_, err := marshaller.Marshal(payload)
	require.NoError(t, err)

	gk := payload.GroupKind()
	assert.Equal(t, "accounts.MoneyDeposited", gk.String())
}

func TestJSONMarshallerUnknownType(t *testing.T) {
	registry := scheme.NewKnownTypesRegistry()
	marshaller := eventstore.NewJSONMarshaller(registry)

	t.Run("marshal unregistered payload", func(t *testing.T) {
		_, err := marshaller.Marshal(&AccountOpened{})
		require.Error(t, err)
	})

	t.Run("unmarshal unregistered kind", func(t *testing.T) {
		_, err := marshaller.Unmarshal("accounts.AccountOpened", []byte(`{}`))
		require.Error(t, err)
	})
}

func TestJSONMarshallerRejectsMalformedData(t *testing.T) {
	marshaller := testMarshaller()

	_, err := marshaller.Unmarshal("accounts.AccountOpened", []byte(`not json`))
	require.Error(t, err)
}
