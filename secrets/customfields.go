package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/rekey"
	"github.com/jmcleod/ironkeep/storage"
)

const fieldValue = "value"

// CustomField is a named secret attached to another item.
type CustomField struct {
	ID        string      `json:"id"`
	ItemID    string      `json:"item_id"`
	Name      string      `json:"name"`
	Data      *key.Sealed `json:"data"`
	UpdatedAt time.Time   `json:"updated_at"`
	Version   uint64      `json:"-"`
}

// CustomFieldStore persists custom fields. A field is addressed by the item
// it belongs to and its name.
type CustomFieldStore struct {
	repo  storage.Repository
	guard Guard
	now   func() time.Time
}

var _ rekey.Table = (*CustomFieldStore)(nil)

func NewCustomFieldStore(repo storage.Repository, guard Guard) *CustomFieldStore {
	return &CustomFieldStore{repo: repo, guard: guard, now: time.Now}
}

func fieldID(itemID, name string) string {
	return itemID + ":" + name
}

// Set creates or replaces a field value. kr must belong to the current
// epoch.
func (s *CustomFieldStore) Set(ctx context.Context, kr key.Keyring, itemID, name string, value []byte) (*CustomField, error) {
	if itemID == "" || name == "" {
		return nil, errors.New("custom field needs an item ID and a name")
	}
	f := &CustomField{ID: fieldID(itemID, name), ItemID: itemID, Name: name, UpdatedAt: s.now().UTC()}
	sealed, err := sealItem(kr, TableCustomField, f.ID, fieldValue, value)
	if err != nil {
		return nil, fmt.Errorf("sealing custom field: %w", err)
	}
	f.Data = sealed
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := pinKeyring(ctx, s.guard, tx, kr); err != nil {
			return err
		}
		current, err := getField(ctx, tx, f.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			f.Version = 0
		case err != nil:
			return err
		default:
			f.Version = current.Version
		}
		return storage.PutJSONCAS(ctx, tx, TableCustomField, f.ID, f, f.Version)
	})
	if err != nil {
		return nil, err
	}
	f.Version++
	return f, nil
}

// Get decrypts a field value.
func (s *CustomFieldStore) Get(ctx context.Context, kr key.Keyring, itemID, name string) ([]byte, error) {
	f, err := getField(ctx, s.repo, fieldID(itemID, name))
	if err != nil {
		return nil, err
	}
	return openItem(kr, TableCustomField, f.ID, fieldValue, f.Data)
}

func getField(ctx context.Context, r storage.Reader, id string) (*CustomField, error) {
	var f CustomField
	version, err := storage.GetJSON(ctx, r, TableCustomField, id, &f)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("custom field %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	f.Version = version
	return &f, nil
}

// ListForItem returns the fields of one item, without decrypting them.
func (s *CustomFieldStore) ListForItem(ctx context.Context, itemID string) ([]*CustomField, error) {
	all, err := s.GetAllEncrypted(ctx)
	if err != nil {
		return nil, err
	}
	var out []*CustomField
	for _, f := range all {
		if f.ItemID == itemID {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetAllEncrypted returns every field with its sealed value.
func (s *CustomFieldStore) GetAllEncrypted(ctx context.Context) ([]*CustomField, error) {
	return listFields(ctx, s.repo)
}

func listFields(ctx context.Context, r storage.Reader) ([]*CustomField, error) {
	ids, err := r.List(ctx, TableCustomField)
	if err != nil {
		return nil, err
	}
	out := make([]*CustomField, 0, len(ids))
	for _, id := range ids {
		f, err := getField(ctx, r, id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Delete removes a field.
func (s *CustomFieldStore) Delete(ctx context.Context, itemID, name string) error {
	id := fieldID(itemID, name)
	if err := s.repo.Delete(ctx, TableCustomField, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("custom field %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// UpdateMasterPass moves a field from rot.Old to rot.Next within tx.
func (s *CustomFieldStore) UpdateMasterPass(ctx context.Context, tx storage.BatchTx, f *CustomField, rot *rekey.Rotation) error {
	if err := rotateItem(rot, TableCustomField, f.ID, f.Data); err != nil {
		return err
	}
	return storage.PutJSONCAS(ctx, tx, TableCustomField, f.ID, f, f.Version)
}

func (s *CustomFieldStore) Name() string {
	return TableCustomField
}

func (s *CustomFieldStore) ListIDs(ctx context.Context, r storage.Reader) ([]string, error) {
	return r.List(ctx, TableCustomField)
}

func (s *CustomFieldStore) Rotate(ctx context.Context, tx storage.BatchTx, id string, rot *rekey.Rotation) error {
	f, err := getField(ctx, tx, id)
	if err != nil {
		return err
	}
	return s.UpdateMasterPass(ctx, tx, f, rot)
}
