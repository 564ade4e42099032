package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/nodekit/config"
	"github.com/c360/nodekit/resolver"
	"github.com/c360/nodekit/schemareg"
	"github.com/c360/nodekit/store"
	"github.com/c360/nodekit/store/memstore"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Subscriptions.GracePeriodMS = 10
	cfg.Resolver.TimeoutMS = 200
	return cfg
}

func TestNewBootstrapsRegistryChain(t *testing.T) {
	backend := memstore.New()
	s, err := New(context.Background(), testConfig(), backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	res, err := s.Resolver().Resolve(context.Background(),
		resolver.Key(resolver.KeyAccount), resolver.Options{Return: resolver.ReturnValue})
	require.NoError(t, err)
	require.False(t, res.Absent())
	content := res.Value.Content()
	assert.NotEmpty(t, content["schemas"])
	assert.NotEmpty(t, content["instances"])
	assert.NotEmpty(t, content["group"])

	groupRes, err := s.Resolver().Resolve(context.Background(),
		resolver.Key(resolver.KeyGroup), resolver.Options{Return: resolver.ReturnID})
	require.NoError(t, err)
	assert.Equal(t, store.ID(content["group"].(string)), groupRes.ID)
}

func TestSecondSessionAdoptsExistingRoot(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()

	first, err := New(ctx, testConfig(), backend)
	require.NoError(t, err)
	firstRoot := first.roots.Account
	first.Cache().Clear()

	second, err := New(ctx, testConfig(), backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	assert.Equal(t, firstRoot, second.roots.Account,
		"reconnecting must reuse the bootstrapped root, not create another")
}

// TodoFlowSuite exercises the full schema-register / create / update /
// query / delete path through one session.
type TodoFlowSuite struct {
	suite.Suite
	backend *memstore.Backend
	session *Session
	ctx     context.Context
}

func (s *TodoFlowSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = memstore.New()

	var err error
	s.session, err = New(s.ctx, testConfig(), s.backend)
	s.Require().NoError(err)

	_, err = s.session.Registry().EnsureSchema(s.ctx, "Todo", schemareg.Definition{
		Name:   "Todo",
		CoType: store.CoMap,
		Properties: map[string]schemareg.Property{
			"text": {Type: schemareg.TypeString},
			"done": {Type: schemareg.TypeBoolean, Optional: true},
		},
		Required: []string{"text"},
	})
	s.Require().NoError(err)
}

func (s *TodoFlowSuite) TearDownTest() {
	s.Require().NoError(s.session.Close())
}

func (s *TodoFlowSuite) TestCreateAndQuery() {
	todo, err := s.session.Engine().Create(s.ctx, "Todo", map[string]any{"text": "Buy milk"})
	s.Require().NoError(err)
	s.NotEmpty(todo.ID())

	got, err := s.session.Engine().Query(s.ctx, "Todo")
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("Buy milk", got[0].Content()["text"])
}

func (s *TodoFlowSuite) TestUpdateAppliesOnlyProvidedFields() {
	todo, err := s.session.Engine().Create(s.ctx, "Todo", map[string]any{"text": "Buy milk"})
	s.Require().NoError(err)

	fresh, err := s.session.Engine().Update(s.ctx, todo.ID(), map[string]any{"done": true})
	s.Require().NoError(err)
	s.Equal(true, fresh.Content()["done"])
	s.Equal("Buy milk", fresh.Content()["text"], "untouched fields survive a partial update")
}

func (s *TodoFlowSuite) TestDeleteRemovesFromQuery() {
	todo, err := s.session.Engine().Create(s.ctx, "Todo", map[string]any{"text": "Buy milk"})
	s.Require().NoError(err)

	s.Require().NoError(s.session.Engine().Delete(s.ctx, todo.ID()))
	got, err := s.session.Engine().Query(s.ctx, "Todo")
	s.Require().NoError(err)
	s.Empty(got)
}

func TestTodoFlowSuite(t *testing.T) {
	suite.Run(t, new(TodoFlowSuite))
}

func TestSessionIDsAreUnique(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()

	a, err := New(ctx, testConfig(), backend)
	require.NoError(t, err)
	a.Cache().Clear()
	b, err := New(ctx, testConfig(), backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCloseStopsSubscriptions(t *testing.T) {
	backend := memstore.New()
	s, err := New(context.Background(), testConfig(), backend)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Cache().Size(), "no subscription entries survive Close")
	_, err = s.Cache().Add("co_anything", func(store.Handle) {})
	assert.Error(t, err, "a closed session accepts no new subscriptions")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Resolver.TimeoutMS = 0

	_, err := New(context.Background(), cfg, memstore.New())
	assert.Error(t, err)
}
