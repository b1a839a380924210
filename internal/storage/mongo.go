package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const mongoActiveSlotIndex = "active_slot"

// MongoStore implements Store on MongoDB. Redemption needs a replica set for transactions.
type MongoStore struct {
	client *mongo.Client
	keys   *mongo.Collection
	codes  *mongo.Collection
}

// NewMongoStore connects, pings the primary and makes sure indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = "keygate"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client: client,
		keys:   db.Collection("api_keys"),
		codes:  db.Collection("gift_codes"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

var _ Store = (*MongoStore)(nil)

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.keys.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// 每个用户每个套餐最多一个有效 key
			Keys: bson.D{{Key: "principal", Value: 1}, {Key: "plan", Value: 1}},
			Options: options.Index().
				SetName(mongoActiveSlotIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys:    bson.D{{Key: "active", Value: 1}, {Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("active_expiry"),
		},
	})
	if err != nil {
		return fmt.Errorf("create key indexes: %w", err)
	}
	return nil
}

func isActiveSlotConflict(err error) bool {
	return mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), mongoActiveSlotIndex)
}

func mongoKeyWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case isActiveSlotConflict(err):
		return apierr.ErrDuplicateActiveKey
	case mongo.IsDuplicateKeyError(err):
		return apierr.New(apierr.InvalidRequest, "token already exists")
	default:
		return apierr.Storage(err)
	}
}

func expiredFilter(now time.Time) bson.M {
	return bson.M{"$ne": nil, "$lte": now}
}

// freeExpiredSlot deactivates an expired holder of the principal/plan slot.
func (s *MongoStore) freeExpiredSlot(ctx context.Context, principal string, plan models.Plan, now time.Time) error {
	_, err := s.keys.UpdateMany(ctx, bson.M{
		"principal":  principal,
		"plan":       plan,
		"active":     true,
		"expires_at": expiredFilter(now),
	}, bson.M{"$set": bson.M{"active": false, "updated_at": now}})
	if err != nil {
		return apierr.Storage(err)
	}
	return nil
}

func (s *MongoStore) CreateKey(ctx context.Context, key *models.Key) error {
	if key.Active {
		if err := s.freeExpiredSlot(ctx, key.Principal, key.Plan, key.CreatedAt); err != nil {
			return err
		}
	}
	_, err := s.keys.InsertOne(ctx, key)
	return mongoKeyWriteError(err)
}

func (s *MongoStore) GetKey(ctx context.Context, token string) (*models.Key, error) {
	var key models.Key
	err := s.keys.FindOne(ctx, bson.M{"_id": token}).Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apierr.ErrKeyNotFound
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return &key, nil
}

func (s *MongoStore) denialFor(ctx context.Context, token string, now time.Time) error {
	key, err := s.GetKey(ctx, token)
	if err != nil {
		return err
	}
	if !key.Active {
		return apierr.ErrKeyInactive
	}
	if key.IsExpired(now) {
		return apierr.ErrKeyExpired
	}
	return apierr.Storage(fmt.Errorf("conditional update on %s matched no document", models.MaskToken(token)))
}

func (s *MongoStore) IncrementUsage(ctx context.Context, token string, now time.Time) (*models.Key, error) {
	filter := bson.M{
		"_id":    token,
		"active": true,
		"$or": bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": now}},
		},
	}
	update := bson.M{
		"$inc": bson.M{"usage": 1},
		"$set": bson.M{"updated_at": now},
	}

	var key models.Key
	err := s.keys.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.denialFor(ctx, token, now)
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return &key, nil
}

func (s *MongoStore) DeactivateExpired(ctx context.Context, token string, now time.Time) (*models.Key, error) {
	filter := bson.M{"_id": token, "active": true, "expires_at": expiredFilter(now)}
	update := bson.M{"$set": bson.M{"active": false, "updated_at": now}}

	var key models.Key
	err := s.keys.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return s.GetKey(ctx, token)
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return &key, nil
}

func (s *MongoStore) UpdateKey(ctx context.Context, token string, update KeyUpdate) (*models.Key, error) {
	current, err := s.GetKey(ctx, token)
	if err != nil {
		return nil, err
	}

	set := bson.M{"updated_at": update.Now}
	if update.Active != nil {
		set["active"] = *update.Active
		if *update.Active && !current.Active {
			if err := s.freeExpiredSlot(ctx, current.Principal, current.Plan, update.Now); err != nil {
				return nil, err
			}
		}
	}
	if update.ClearExpiry {
		set["expires_at"] = nil
	} else if update.ExpiresAt != nil {
		set["expires_at"] = *update.ExpiresAt
	}
	if update.ResetUsage {
		set["usage"] = 0
	}

	var key models.Key
	err = s.keys.FindOneAndUpdate(ctx, bson.M{"_id": token}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apierr.ErrKeyNotFound
	}
	if err != nil {
		return nil, mongoKeyWriteError(err)
	}
	return &key, nil
}

func (s *MongoStore) DeleteKey(ctx context.Context, token string) error {
	res, err := s.keys.DeleteOne(ctx, bson.M{"_id": token})
	if err != nil {
		return apierr.Storage(err)
	}
	if res.DeletedCount == 0 {
		return apierr.ErrKeyNotFound
	}
	return nil
}

func (s *MongoStore) ListKeys(ctx context.Context, filter KeyFilter) ([]*models.Key, error) {
	query := bson.M{}
	if filter.Principal != "" {
		query["principal"] = filter.Principal
	}
	if filter.Plan != "" {
		query["plan"] = filter.Plan
	}
	if filter.Active != nil {
		query["active"] = *filter.Active
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := s.keys.Find(ctx, query, opts)
	if err != nil {
		return nil, apierr.Storage(err)
	}
	keys := []*models.Key{}
	if err := cursor.All(ctx, &keys); err != nil {
		return nil, apierr.Storage(err)
	}
	return keys, nil
}

func (s *MongoStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	filter := bson.M{"active": true, "expires_at": expiredFilter(now)}
	cursor, err := s.keys.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"_id": 1}).SetLimit(int64(limit)))
	if err != nil {
		return 0, apierr.Storage(err)
	}
	var docs []struct {
		Token string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, apierr.Storage(err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	ids := make(bson.A, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.Token)
	}
	filter["_id"] = bson.M{"$in": ids}
	res, err := s.keys.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"active": false, "updated_at": now}})
	if err != nil {
		return 0, apierr.Storage(err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) CreateGiftCode(ctx context.Context, code *models.GiftCode) error {
	doc := code.Clone()
	if doc.RedeemedBy == nil {
		doc.RedeemedBy = []string{}
	}
	_, err := s.codes.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return apierr.ErrCodeExists
	}
	if err != nil {
		return apierr.Storage(err)
	}
	return nil
}

func (s *MongoStore) GetGiftCode(ctx context.Context, code string) (*models.GiftCode, error) {
	var gc models.GiftCode
	err := s.codes.FindOne(ctx, bson.M{"_id": code}).Decode(&gc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apierr.ErrCodeNotFound
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return &gc, nil
}

func (s *MongoStore) ListGiftCodes(ctx context.Context) ([]*models.GiftCode, error) {
	cursor, err := s.codes.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, apierr.Storage(err)
	}
	codes := []*models.GiftCode{}
	if err := cursor.All(ctx, &codes); err != nil {
		return nil, apierr.Storage(err)
	}
	return codes, nil
}

func (s *MongoStore) SetGiftCodeActive(ctx context.Context, code string, active bool) (*models.GiftCode, error) {
	var gc models.GiftCode
	err := s.codes.FindOneAndUpdate(ctx, bson.M{"_id": code}, bson.M{"$set": bson.M{"active": active}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&gc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apierr.ErrCodeNotFound
	}
	if err != nil {
		return nil, apierr.Storage(err)
	}
	return &gc, nil
}

func (s *MongoStore) DeleteGiftCode(ctx context.Context, code string) error {
	res, err := s.codes.DeleteOne(ctx, bson.M{"_id": code})
	if err != nil {
		return apierr.Storage(err)
	}
	if res.DeletedCount == 0 {
		return apierr.ErrCodeNotFound
	}
	return nil
}

// Redeem runs validation, key insert and the counted use inside one multi-document transaction.
// The driver retries the callback on transient transaction errors.
func (s *MongoStore) Redeem(ctx context.Context, req RedeemRequest) (*models.Key, *models.GiftCode, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return nil, nil, apierr.Storage(err)
	}
	defer session.EndSession(ctx)

	var (
		key *models.Key
		gc  *models.GiftCode
	)
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var current models.GiftCode
		err := s.codes.FindOne(sc, bson.M{"_id": req.Code}).Decode(&current)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apierr.ErrCodeNotFound
		}
		if err != nil {
			return nil, err
		}
		if err := current.CheckRedeemable(req.Principal, req.Now); err != nil {
			return nil, err
		}

		minted, err := req.Mint(current.Clone())
		if err != nil {
			return nil, err
		}
		if err := s.freeExpiredSlot(sc, minted.Principal, minted.Plan, req.Now); err != nil {
			return nil, err
		}
		if _, err := s.keys.InsertOne(sc, minted); err != nil {
			return nil, mongoKeyWriteError(err)
		}

		res, err := s.codes.UpdateOne(sc, bson.M{
			"_id":         req.Code,
			"active":      true,
			"redeemed_by": bson.M{"$ne": req.Principal},
			"$expr":       bson.M{"$lt": bson.A{"$redemptions", "$max_uses"}},
		}, bson.M{
			"$inc":  bson.M{"redemptions": 1},
			"$push": bson.M{"redeemed_by": req.Principal},
		})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, apierr.ErrCodeExhausted
		}

		current.RecordRedemption(req.Principal)
		key, gc = minted, &current
		return nil, nil
	})
	if err != nil {
		return nil, nil, apierr.Storage(err)
	}
	return key, gc, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return apierr.Storage(err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
