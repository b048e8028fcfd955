package jobs

import (
	"context"
	"testing"

	"warimas-backoffice/internal/auth"
	"warimas-backoffice/internal/deliverygroup"
	"warimas-backoffice/internal/notify"
	"warimas-backoffice/internal/order"

	"github.com/stretchr/testify/require"
)

type anyAgent struct{}

func (anyAgent) AgentExists(context.Context, int64) (bool, error) { return true, nil }

type fixture struct {
	t      *testing.T
	orders order.Service
	groups deliverygroup.Service
}

func newFixture(t *testing.T) *fixture {
	authz := auth.StaticAuthorizer{}
	orders := order.NewService(order.NewMemoryRepository(), authz)
	groups := deliverygroup.NewService(
		deliverygroup.NewMemoryRepository(), orders, authz, anyAgent{},
		notify.LogNotifier{}, notify.LogNotifier{},
	)
	return &fixture{t: t, orders: orders, groups: groups}
}

// startedGroupWithDelivered returns a started group whose only member was
// delivered without the group being finished.
func (f *fixture) startedGroupWithDelivered(ctx context.Context) int64 {
	o, _, err := f.orders.Import(ctx, order.NewOrder{Code: "ORD-RECON", ShopID: 5, CustomerID: 900})
	require.NoError(f.t, err)
	for _, s := range []order.Status{order.StatusConfirmed, order.StatusReadyForDelivery} {
		_, err = f.orders.Transition(ctx, auth.System, o.ID, s)
		require.NoError(f.t, err)
	}

	g, err := f.groups.CreateGroup(ctx, auth.System, deliverygroup.CreateGroupInput{ShopID: 5, Name: "Route-9"})
	require.NoError(f.t, err)
	_, err = f.groups.ReassignAgent(ctx, auth.System, g.ID, 40, "")
	require.NoError(f.t, err)
	_, err = f.groups.BulkAddOrders(ctx, auth.System, g.ID, []int64{o.ID})
	require.NoError(f.t, err)
	_, err = f.groups.StartDelivery(ctx, auth.System, g.ID)
	require.NoError(f.t, err)

	_, err = f.orders.Transition(ctx, auth.System, o.ID, order.StatusDelivered)
	require.NoError(f.t, err)
	return g.ID
}
