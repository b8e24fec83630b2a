package secretstore

import (
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Store is a small encrypted-at-rest KV wrapper (Badger) holding exchange
// API credentials. Encryption comes from Badger options, not this wrapper.
type Store struct {
	db *badger.DB
}

// OpenOptions controls how the underlying Badger DB is opened.
type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; if nil, DB is opened without encryption
	ReadOnly      bool
}

const (
	keyAPIKey    = "exmo:api_key"
	keyAPISecret = "exmo:api_secret"
)

// Credentials 交易所 API 凭证
type Credentials struct {
	APIKey    string
	APISecret string
}

// Open opens (or creates) the credential store at the given path.
func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// Badger requires an index cache for encrypted workloads
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetString stores a single value under key.
func (s *Store) SetString(key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return errors.New("secretstore: key is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(k), []byte(value))
	})
}

// GetString returns the value under key and whether it was found.
func (s *Store) GetString(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("secretstore: not opened")
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return "", false, errors.New("secretstore: key is empty")
	}
	var out string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(k))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return out, found, nil
}

// SetCredentials stores the exchange API key/secret pair.
func (s *Store) SetCredentials(c Credentials) error {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "" {
		return errors.New("secretstore: api key and secret are required")
	}
	if err := s.SetString(keyAPIKey, c.APIKey); err != nil {
		return err
	}
	return s.SetString(keyAPISecret, c.APISecret)
}

// GetCredentials loads the exchange API key/secret pair.
func (s *Store) GetCredentials() (Credentials, error) {
	key, ok, err := s.GetString(keyAPIKey)
	if err != nil {
		return Credentials{}, err
	}
	if !ok {
		return Credentials{}, errors.New("secretstore: api key not set (run keys-init)")
	}
	secret, ok, err := s.GetString(keyAPISecret)
	if err != nil {
		return Credentials{}, err
	}
	if !ok {
		return Credentials{}, errors.New("secretstore: api secret not set (run keys-init)")
	}
	return Credentials{APIKey: key, APISecret: secret}, nil
}
