package xmediator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchUsers struct {
	Returns[[]user]
	Query  string   `json:"query"`
	Limit  int      `json:"limit"`
	Active bool     `json:"active"`
	Tags   []string `json:"tags,omitempty"`
}

type tenantQuery struct {
	Returns[string]
	Query  string `json:"query"`
	Tenant string `json:"-"`
}

type redactedQuery struct {
	Returns[string]
	Owner string
	Page  int
}

func (redactedQuery) MarshalJSON() ([]byte, error) { return []byte(`{"redacted":true}`), nil }

type pinnedKey struct {
	Returns[string]
	ID int
}

func (p pinnedKey) ContractKey() string { return "pinned" }

func TestContractKey_StableAndSorted(t *testing.T) {
	keys := DefaultContractKeys{}

	a, err := keys.ContractKey(searchUsers{Query: "ada", Limit: 10, Active: true})
	require.NoError(t, err)
	b, err := keys.ContractKey(searchUsers{Query: "ada", Limit: 10, Active: true})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `xmediator.searchUsers:Active=true;Limit=10;Query="ada";Tags=null`, a)
}

func TestContractKey_DifferentValuesDifferentKeys(t *testing.T) {
	keys := DefaultContractKeys{}
	seen := map[string]bool{}
	for _, msg := range []any{
		searchUsers{Query: "ada"},
		searchUsers{Query: "ada", Limit: 1},
		searchUsers{Query: "ada;limit=1"},
		searchUsers{Query: "ada", Tags: []string{"x"}},
		getUser{ID: "ada"},
	} {
		k, err := keys.ContractKey(msg)
		require.NoError(t, err)
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
}

func TestContractKey_OverridesAndScalars(t *testing.T) {
	keys := DefaultContractKeys{}

	k, err := keys.ContractKey(pinnedKey{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, "pinned", k)

	k, err = keys.ContractKey(42)
	require.NoError(t, err)
	assert.Equal(t, "int:42", k)

	_, err = keys.ContractKey(nil)
	assert.ErrorIs(t, err, ErrNilMessage)

	_, err = keys.ContractKey(struct{ C chan int }{C: make(chan int)})
	assert.Error(t, err)
}

func TestContractKey_HiddenFieldsStillDistinguish(t *testing.T) {
	keys := DefaultContractKeys{}

	alice, err := keys.ContractKey(tenantQuery{Query: "q", Tenant: "alice"})
	require.NoError(t, err)
	bob, err := keys.ContractKey(tenantQuery{Query: "q", Tenant: "bob"})
	require.NoError(t, err)
	assert.NotEqual(t, alice, bob)
	assert.Equal(t, `xmediator.tenantQuery:Query="q";Tenant="alice"`, alice)

	ptr, err := keys.ContractKey(&tenantQuery{Query: "q", Tenant: "alice"})
	require.NoError(t, err)
	assert.Equal(t, `*xmediator.tenantQuery:Query="q";Tenant="alice"`, ptr)

	a, err := keys.ContractKey(redactedQuery{Owner: "alice", Page: 1})
	require.NoError(t, err)
	b, err := keys.ContractKey(redactedQuery{Owner: "bob", Page: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, `xmediator.redactedQuery:Owner="alice";Page=1`, a)
}
