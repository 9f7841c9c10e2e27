package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mtoly/XrayIPGuard/api"
)

func TestFilterNodes(t *testing.T) {
	nodes := []api.Node{
		{ID: 1, Name: "eu-1"},
		{ID: 2, Name: "us-1"},
		{ID: 3, Name: "eu-2"},
	}

	require.Len(t, filterNodes(append([]api.Node(nil), nodes...), nil), 3)

	kept := filterNodes(append([]api.Node(nil), nodes...), []string{"eu-1", "eu-2"})
	require.Len(t, kept, 2)
	require.Equal(t, "eu-1", kept[0].Name)
	require.Equal(t, "eu-2", kept[1].Name)

	require.Empty(t, filterNodes(append([]api.Node(nil), nodes...), []string{"absent"}))
}

type stubNodeBanner struct {
	calls int
	err   error
}

func (b *stubNodeBanner) BanUser(context.Context, *api.User) error {
	b.calls++
	return b.err
}

func TestBanUserFansOutPastFailures(t *testing.T) {
	healthy := &stubNodeBanner{}
	broken := &stubNodeBanner{err: errors.New("node unreachable")}
	also := &stubNodeBanner{}

	s := New(nil, nil, nil, nil, nil, Config{})
	s.registry = map[string]api.NodeBanner{
		"n1": healthy,
		"n2": broken,
		"n3": also,
	}

	s.BanUser(context.Background(), &api.User{Name: "alice", IP: "10.0.0.1"})

	require.Equal(t, 1, healthy.calls)
	require.Equal(t, 1, broken.calls)
	require.Equal(t, 1, also.calls)
}

func TestBanUserWithEmptyRegistry(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, Config{})
	// Must not panic or block with nothing registered.
	s.BanUser(context.Background(), &api.User{Name: "alice", IP: "10.0.0.1"})
}

func TestRegisterNodesSkipsFailedDials(t *testing.T) {
	dial := func(node api.Node) (api.NodeBanner, error) {
		if node.Name == "bad" {
			return nil, errors.New("dial refused")
		}
		return &stubNodeBanner{}, nil
	}

	s := New(nil, nil, nil, nil, dial, Config{})
	s.registerNodes([]api.Node{
		{ID: 1, Name: "good"},
		{ID: 2, Name: "bad"},
	})

	require.Len(t, s.registry, 1)
	require.Contains(t, s.registry, "good")
}
