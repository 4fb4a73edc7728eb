package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func setupMongoStore(t *testing.T) *MongoStore {
	if testing.Short() {
		t.Skip("skipping mongo container test in short mode")
	}
	ctx := context.Background()

	// transactions need a replica set
	mongoContainer, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	if !strings.Contains(uri, "directConnection") {
		if strings.Contains(uri, "?") {
			uri += "&directConnection=true"
		} else {
			uri += "/?directConnection=true"
		}
	}

	db, err := ConnectMongoDB(ctx, uri, "testdb")
	require.NoError(t, err)

	store := NewMongoStore(db)
	require.NoError(t, store.CreateIndexes(ctx))
	return store
}

func TestMongoStore_ConditionalDecrement(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()
	seedStock(t, store, "p1", 3)

	ok, err := store.ConditionalDecrement(ctx, "p1", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConditionalDecrement(ctx, "p1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Increment(ctx, "p1", 3))
	rec, err := store.GetInventory(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AvailableQuantity)
}

func TestMongoStore_Cart_DecodeSkipsCorruptedLines(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()

	_, err := store.carts.InsertOne(ctx, bson.M{
		"owner_key": "session:abc",
		"id":        "c1",
		"items": bson.A{
			bson.M{"product_id": "p1", "quantity": int32(2), "unit_price": "10"},
			bson.M{"product_id": "p2", "quantity": 0, "unit_price": "10"},
			bson.M{"product_id": "p3", "quantity": "two", "unit_price": "10"},
			bson.M{"product_id": "p4", "quantity": 2.5, "unit_price": "10"},
			bson.M{"product_id": "p5", "quantity": 4.0, "unit_price": "10"},
		},
		"created_at": time.Now(),
		"updated_at": time.Now(),
	})
	require.NoError(t, err)

	cart, err := store.GetCart(ctx, domain.SessionOwner("abc"))
	require.NoError(t, err)
	require.Len(t, cart.Items, 2)
	assert.Equal(t, "p1", cart.Items[0].ProductID)
	assert.Equal(t, "p5", cart.Items[1].ProductID)
	assert.Equal(t, 4, cart.Items[1].Quantity)
}

func TestMongoUnitOfWork_AbortsTransaction(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()
	seedStock(t, store, "p1", 5)
	owner := domain.UserOwner("9")

	boom := errors.New("boom")
	err := NewMongoUnitOfWork(store).Do(ctx, func(ctx context.Context, tx Tx) error {
		ok, err := tx.ConditionalDecrement(ctx, "p1", 5)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("expected decrement")
		}
		if err := tx.InsertOrder(ctx, sampleOrder("o1", owner)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := store.GetInventory(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.AvailableQuantity)
	_, err = store.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMongoError_Classification(t *testing.T) {
	validation := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 121, Message: "Document failed validation"}}}
	err := mongoError("failed to insert order", validation)
	assert.ErrorIs(t, err, ErrConstraintViolation)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)

	err = mongoError("failed to set stock", mongo.CommandError{Code: 2, Message: "bad value"})
	assert.ErrorIs(t, err, ErrConstraintViolation)

	err = mongoError("failed to get order", mongo.CommandError{Code: 91, Message: "shutdown in progress"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ErrConstraintViolation)
}
