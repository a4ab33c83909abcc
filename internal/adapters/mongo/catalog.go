package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticketudp/internal/catalog"
	"github.com/robertarktes/ticketudp/internal/domain"
	"github.com/robertarktes/ticketudp/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository keeps a named event catalog, one document per event.
// It implements catalog.Source.
type CatalogRepository struct {
	coll   *mongo.Collection
	name   string
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, name string, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("events"),
		name:   name,
		logger: logger,
	}
}

var _ catalog.Source = (*CatalogRepository)(nil)

type EventDoc struct {
	Catalog     string    `bson:"catalog"`
	Position    int       `bson:"position"`
	Description string    `bson:"description"`
	Tickets     int32     `bson:"tickets"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// Events returns the catalog in position order.
func (c *CatalogRepository) Events(ctx context.Context) ([]domain.EventSpec, error) {
	cur, err := c.coll.Find(ctx, bson.M{"catalog": c.name}, options.Find().SetSort(bson.D{{Key: "position", Value: 1}}))
	if err != nil {
		c.logger.Error("failed to query catalog", err)
		return nil, err
	}
	var docs []EventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	specs := make([]domain.EventSpec, 0, len(docs))
	for _, d := range docs {
		if d.Tickets < 0 || d.Tickets > 65535 {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "catalog %s event %d has %d tickets", c.name, d.Position, d.Tickets)
		}
		specs = append(specs, domain.EventSpec{Description: d.Description, Tickets: uint16(d.Tickets)})
	}
	if err := catalog.Validate(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// Replace stores specs as the whole catalog.
func (c *CatalogRepository) Replace(ctx context.Context, specs []domain.EventSpec) error {
	if err := catalog.Validate(specs); err != nil {
		return err
	}
	if _, err := c.coll.DeleteMany(ctx, bson.M{"catalog": c.name}); err != nil {
		c.logger.Error("failed to clear catalog", err)
		return err
	}
	if len(specs) == 0 {
		return nil
	}
	now := time.Now()
	docs := make([]interface{}, len(specs))
	for i, s := range specs {
		docs[i] = EventDoc{Catalog: c.name, Position: i, Description: s.Description, Tickets: int32(s.Tickets), UpdatedAt: now}
	}
	if _, err := c.coll.InsertMany(ctx, docs); err != nil {
		c.logger.Error("failed to store catalog", err)
		return err
	}
	return nil
}
