package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements Store on Cloud Firestore. The one-active-per-plan rule is kept by a
// slot document per principal/plan that every activating transaction reads and writes.
type FirestoreStore struct {
	client  *firestore.Client
	keys    string
	codes   string
	slots   string
	retrier retrier
	writer  retrier
}

// NewFirestoreStore creates a client for projectID. prefix namespaces the collections.
func NewFirestoreStore(ctx context.Context, projectID, prefix string, opts ...option.ClientOption) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &FirestoreStore{
		client:  client,
		keys:    prefix + "apiKeys",
		codes:   prefix + "giftCodes",
		slots:   prefix + "activeKeys",
		retrier: newRetrier(firestoreTracer),
		writer:  newRetrier(firestoreTracer).single(),
	}, nil
}

var firestoreTracer = otel.Tracer("keygate/internal/storage/firestore")

var _ Store = (*FirestoreStore)(nil)

func (s *FirestoreStore) keyRef(token string) *firestore.DocumentRef {
	return s.client.Collection(s.keys).Doc(token)
}

func (s *FirestoreStore) codeRef(code string) *firestore.DocumentRef {
	return s.client.Collection(s.codes).Doc(code)
}

func (s *FirestoreStore) slotRef(principal string, plan models.Plan) *firestore.DocumentRef {
	id := strings.ReplaceAll(principal, "/", "%2F") + ":" + string(plan)
	return s.client.Collection(s.slots).Doc(id)
}

type slotDoc struct {
	Token string `firestore:"token"`
}

func decodeKey(snap *firestore.DocumentSnapshot) (*models.Key, error) {
	var key models.Key
	if err := snap.DataTo(&key); err != nil {
		return nil, fmt.Errorf("decode key document: %w", err)
	}
	key.Token = snap.Ref.ID
	return &key, nil
}

func decodeGiftCode(snap *firestore.DocumentSnapshot) (*models.GiftCode, error) {
	var gc models.GiftCode
	if err := snap.DataTo(&gc); err != nil {
		return nil, fmt.Errorf("decode gift code document: %w", err)
	}
	gc.Code = snap.Ref.ID
	return &gc, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// slotClaim is the outcome of reading a slot inside a transaction. Its writes run only after
// every read of the transaction is done.
type slotClaim struct {
	ref    *firestore.DocumentRef
	holder *models.Key
	expire bool
}

// readSlot reads the slot for key and decides whether key may become active.
func (s *FirestoreStore) readSlot(tx *firestore.Transaction, key *models.Key, now time.Time) (*slotClaim, error) {
	claim := &slotClaim{ref: s.slotRef(key.Principal, key.Plan)}
	snap, err := tx.Get(claim.ref)
	if isNotFound(err) {
		return claim, nil
	}
	if err != nil {
		return nil, err
	}
	var slot slotDoc
	if err := snap.DataTo(&slot); err != nil {
		return nil, fmt.Errorf("decode slot document: %w", err)
	}
	if slot.Token == "" || slot.Token == key.Token {
		return claim, nil
	}

	holderSnap, err := tx.Get(s.keyRef(slot.Token))
	if isNotFound(err) {
		return claim, nil
	}
	if err != nil {
		return nil, err
	}
	holder, err := decodeKey(holderSnap)
	if err != nil {
		return nil, err
	}
	switch {
	case !holder.Active:
		return claim, nil
	case holder.IsExpired(now):
		claim.holder = holder
		claim.expire = true
		return claim, nil
	default:
		return nil, apierr.ErrDuplicateActiveKey
	}
}

func (c *slotClaim) write(tx *firestore.Transaction, s *FirestoreStore, token string, now time.Time) error {
	if c.expire {
		if err := tx.Update(s.keyRef(c.holder.Token), []firestore.Update{
			{Path: "active", Value: false},
			{Path: "updated_at", Value: now},
		}); err != nil {
			return err
		}
	}
	return tx.Set(c.ref, slotDoc{Token: token})
}

// readSlotOwner returns whether the slot currently points at token.
func (s *FirestoreStore) readSlotOwner(tx *firestore.Transaction, key *models.Key) (bool, error) {
	snap, err := tx.Get(s.slotRef(key.Principal, key.Plan))
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var slot slotDoc
	if err := snap.DataTo(&slot); err != nil {
		return false, fmt.Errorf("decode slot document: %w", err)
	}
	return slot.Token == key.Token, nil
}

func (s *FirestoreStore) CreateKey(ctx context.Context, key *models.Key) error {
	return s.writer.do(ctx, "CreateKey", func(ctx context.Context) error {
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			var claim *slotClaim
			if key.Active {
				var err error
				if claim, err = s.readSlot(tx, key, key.CreatedAt); err != nil {
					return err
				}
			}
			if err := tx.Create(s.keyRef(key.Token), key); err != nil {
				return err
			}
			if claim != nil {
				return claim.write(tx, s, key.Token, key.CreatedAt)
			}
			return nil
		})
		if status.Code(err) == codes.AlreadyExists {
			return apierr.New(apierr.InvalidRequest, "token already exists")
		}
		return err
	})
}

func (s *FirestoreStore) GetKey(ctx context.Context, token string) (*models.Key, error) {
	var result *models.Key
	err := s.retrier.do(ctx, "GetKey", func(ctx context.Context) error {
		snap, err := s.keyRef(token).Get(ctx)
		if isNotFound(err) {
			return apierr.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		result, err = decodeKey(snap)
		return err
	})
	return result, err
}

func (s *FirestoreStore) IncrementUsage(ctx context.Context, token string, now time.Time) (*models.Key, error) {
	var result *models.Key
	err := s.writer.do(ctx, "IncrementUsage", func(ctx context.Context) error {
		ref := s.keyRef(token)
		return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			snap, err := tx.Get(ref)
			if isNotFound(err) {
				return apierr.ErrKeyNotFound
			}
			if err != nil {
				return err
			}
			key, err := decodeKey(snap)
			if err != nil {
				return err
			}
			switch {
			case !key.Active:
				return apierr.ErrKeyInactive
			case key.IsExpired(now):
				return apierr.ErrKeyExpired
			}

			if err := tx.Update(ref, []firestore.Update{
				{Path: "usage", Value: firestore.Increment(1)},
				{Path: "updated_at", Value: now},
			}); err != nil {
				return err
			}
			key.Usage++
			key.UpdatedAt = now
			result = key
			return nil
		})
	})
	return result, err
}

func (s *FirestoreStore) DeactivateExpired(ctx context.Context, token string, now time.Time) (*models.Key, error) {
	var result *models.Key
	err := s.writer.do(ctx, "DeactivateExpired", func(ctx context.Context) error {
		ref := s.keyRef(token)
		return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			snap, err := tx.Get(ref)
			if isNotFound(err) {
				return apierr.ErrKeyNotFound
			}
			if err != nil {
				return err
			}
			key, err := decodeKey(snap)
			if err != nil {
				return err
			}
			result = key
			if !key.Active || !key.IsExpired(now) {
				return nil
			}

			owner, err := s.readSlotOwner(tx, key)
			if err != nil {
				return err
			}
			if err := tx.Update(ref, []firestore.Update{
				{Path: "active", Value: false},
				{Path: "updated_at", Value: now},
			}); err != nil {
				return err
			}
			if owner {
				if err := tx.Delete(s.slotRef(key.Principal, key.Plan)); err != nil {
					return err
				}
			}
			key.Active = false
			key.UpdatedAt = now
			return nil
		})
	})
	return result, err
}

func (s *FirestoreStore) UpdateKey(ctx context.Context, token string, update KeyUpdate) (*models.Key, error) {
	var result *models.Key
	err := s.writer.do(ctx, "UpdateKey", func(ctx context.Context) error {
		ref := s.keyRef(token)
		return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			snap, err := tx.Get(ref)
			if isNotFound(err) {
				return apierr.ErrKeyNotFound
			}
			if err != nil {
				return err
			}
			key, err := decodeKey(snap)
			if err != nil {
				return err
			}

			var claim *slotClaim
			owner := false
			if update.Active != nil && *update.Active && !key.Active {
				if claim, err = s.readSlot(tx, key, update.Now); err != nil {
					return err
				}
			} else if owner, err = s.readSlotOwner(tx, key); err != nil {
				return err
			}

			updates := []firestore.Update{{Path: "updated_at", Value: update.Now}}
			if update.Active != nil {
				updates = append(updates, firestore.Update{Path: "active", Value: *update.Active})
			}
			if update.ClearExpiry {
				updates = append(updates, firestore.Update{Path: "expires_at", Value: nil})
			} else if update.ExpiresAt != nil {
				updates = append(updates, firestore.Update{Path: "expires_at", Value: *update.ExpiresAt})
			}
			if update.ResetUsage {
				updates = append(updates, firestore.Update{Path: "usage", Value: 0})
			}
			if err := tx.Update(ref, updates); err != nil {
				return err
			}

			applyKeyUpdate(key, update)
			switch {
			case claim != nil:
				if err := claim.write(tx, s, key.Token, update.Now); err != nil {
					return err
				}
			case owner && !key.Active:
				if err := tx.Delete(s.slotRef(key.Principal, key.Plan)); err != nil {
					return err
				}
			}
			result = key
			return nil
		})
	})
	return result, err
}

func (s *FirestoreStore) DeleteKey(ctx context.Context, token string) error {
	return s.writer.do(ctx, "DeleteKey", func(ctx context.Context) error {
		ref := s.keyRef(token)
		return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			snap, err := tx.Get(ref)
			if isNotFound(err) {
				return apierr.ErrKeyNotFound
			}
			if err != nil {
				return err
			}
			key, err := decodeKey(snap)
			if err != nil {
				return err
			}
			owner, err := s.readSlotOwner(tx, key)
			if err != nil {
				return err
			}
			if err := tx.Delete(ref); err != nil {
				return err
			}
			if owner {
				return tx.Delete(s.slotRef(key.Principal, key.Plan))
			}
			return nil
		})
	})
}

func (s *FirestoreStore) ListKeys(ctx context.Context, filter KeyFilter) ([]*models.Key, error) {
	var keys []*models.Key
	err := s.retrier.do(ctx, "ListKeys", func(ctx context.Context) error {
		keys = keys[:0]
		q := s.client.Collection(s.keys).Query
		if filter.Principal != "" {
			q = q.Where("principal", "==", filter.Principal)
		}
		if filter.Plan != "" {
			q = q.Where("plan", "==", string(filter.Plan))
		}
		if filter.Active != nil {
			q = q.Where("active", "==", *filter.Active)
		}
		iter := q.Documents(ctx)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return err
			}
			key, err := decodeKey(snap)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 在内存中排序，避免为每种过滤组合建复合索引
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	if filter.Limit > 0 && len(keys) > filter.Limit {
		keys = keys[:filter.Limit]
	}
	if keys == nil {
		keys = []*models.Key{}
	}
	return keys, nil
}

func (s *FirestoreStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	var tokens []string
	err := s.retrier.do(ctx, "FindExpiredKeys", func(ctx context.Context) error {
		tokens = tokens[:0]
		iter := s.client.Collection(s.keys).
			Where("active", "==", true).
			Where("expires_at", "<=", now).
			Limit(limit).
			Documents(ctx)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return err
			}
			tokens = append(tokens, snap.Ref.ID)
		}
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, token := range tokens {
		key, err := s.DeactivateExpired(ctx, token, now)
		if errors.Is(err, apierr.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		if !key.Active {
			changed++
		}
	}
	return changed, nil
}

func (s *FirestoreStore) CreateGiftCode(ctx context.Context, code *models.GiftCode) error {
	doc := code.Clone()
	if doc.RedeemedBy == nil {
		doc.RedeemedBy = []string{}
	}
	return s.writer.do(ctx, "CreateGiftCode", func(ctx context.Context) error {
		_, err := s.codeRef(doc.Code).Create(ctx, doc)
		if status.Code(err) == codes.AlreadyExists {
			return apierr.ErrCodeExists
		}
		return err
	})
}

func (s *FirestoreStore) GetGiftCode(ctx context.Context, code string) (*models.GiftCode, error) {
	var result *models.GiftCode
	err := s.retrier.do(ctx, "GetGiftCode", func(ctx context.Context) error {
		snap, err := s.codeRef(code).Get(ctx)
		if isNotFound(err) {
			return apierr.ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		result, err = decodeGiftCode(snap)
		return err
	})
	return result, err
}

func (s *FirestoreStore) ListGiftCodes(ctx context.Context) ([]*models.GiftCode, error) {
	codes := []*models.GiftCode{}
	err := s.retrier.do(ctx, "ListGiftCodes", func(ctx context.Context) error {
		codes = codes[:0]
		iter := s.client.Collection(s.codes).OrderBy("created_at", firestore.Desc).Documents(ctx)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return err
			}
			gc, err := decodeGiftCode(snap)
			if err != nil {
				return err
			}
			codes = append(codes, gc)
		}
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *FirestoreStore) SetGiftCodeActive(ctx context.Context, code string, active bool) (*models.GiftCode, error) {
	err := s.writer.do(ctx, "SetGiftCodeActive", func(ctx context.Context) error {
		_, err := s.codeRef(code).Update(ctx, []firestore.Update{{Path: "active", Value: active}})
		if isNotFound(err) {
			return apierr.ErrCodeNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetGiftCode(ctx, code)
}

func (s *FirestoreStore) DeleteGiftCode(ctx context.Context, code string) error {
	return s.writer.do(ctx, "DeleteGiftCode", func(ctx context.Context) error {
		_, err := s.codeRef(code).Delete(ctx, firestore.Exists)
		if isNotFound(err) {
			return apierr.ErrCodeNotFound
		}
		return err
	})
}

// Redeem reads the code and the slot, then writes the key, the slot and the counted use in the
// same transaction. Firestore aborts and retries the transaction when the code changes underneath.
func (s *FirestoreStore) Redeem(ctx context.Context, req RedeemRequest) (*models.Key, *models.GiftCode, error) {
	var (
		key *models.Key
		gc  *models.GiftCode
	)
	err := s.writer.do(ctx, "RedeemGiftCode", func(ctx context.Context) error {
		ref := s.codeRef(req.Code)
		return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			snap, err := tx.Get(ref)
			if isNotFound(err) {
				return apierr.ErrCodeNotFound
			}
			if err != nil {
				return err
			}
			current, err := decodeGiftCode(snap)
			if err != nil {
				return err
			}
			if err := current.CheckRedeemable(req.Principal, req.Now); err != nil {
				return err
			}

			minted, err := req.Mint(current.Clone())
			if err != nil {
				return err
			}
			claim, err := s.readSlot(tx, minted, req.Now)
			if err != nil {
				return err
			}

			if err := tx.Create(s.keyRef(minted.Token), minted); err != nil {
				return err
			}
			if err := claim.write(tx, s, minted.Token, req.Now); err != nil {
				return err
			}
			if err := tx.Update(ref, []firestore.Update{
				{Path: "redemptions", Value: firestore.Increment(1)},
				{Path: "redeemed_by", Value: firestore.ArrayUnion(req.Principal)},
			}); err != nil {
				return err
			}

			current.RecordRedemption(req.Principal)
			key, gc = minted, current
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return key, gc, nil
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	return s.retrier.do(ctx, "Ping", func(ctx context.Context) error {
		iter := s.client.Collection(s.codes).Limit(1).Documents(ctx)
		defer iter.Stop()
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	})
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
