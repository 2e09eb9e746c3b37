package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/balance-sentinel/internal/types"
)

// TrackedUserRepository reads the wallets the detector sweeps from Postgres
type TrackedUserRepository struct {
	db *PostgresDB
}

// NewTrackedUserRepository creates a new tracked user repository
func NewTrackedUserRepository(db *PostgresDB) *TrackedUserRepository {
	return &TrackedUserRepository{db: db}
}

// AddWallet registers (or re-activates) a wallet for a user
func (r *TrackedUserRepository) AddWallet(ctx context.Context, userID string, wallet types.TrackedWallet) error {
	key := types.NewBalanceKey(userID, wallet.Address, wallet.Network)
	if err := key.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO tracked_wallets (user_id, network, address, active, created_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (user_id, network)
		DO UPDATE SET address = EXCLUDED.address, active = TRUE
	`
	if _, err := r.db.Pool().Exec(ctx, query, key.UserID, string(key.Network), key.Address, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to add tracked wallet: %w", err)
	}
	return nil
}

// ListActive returns every active user with their wallets, ordered by user id
func (r *TrackedUserRepository) ListActive(ctx context.Context) ([]types.TrackedUser, error) {
	query := `
		SELECT user_id, address, network
		FROM tracked_wallets
		WHERE active
		ORDER BY user_id, network
	`
	return r.query(ctx, query)
}

// Get returns one user's active wallets
func (r *TrackedUserRepository) Get(ctx context.Context, userID string) (*types.TrackedUser, error) {
	query := `
		SELECT user_id, address, network
		FROM tracked_wallets
		WHERE active AND user_id = $1
		ORDER BY network
	`
	users, err := r.query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (r *TrackedUserRepository) query(ctx context.Context, query string, args ...interface{}) ([]types.TrackedUser, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked wallets: %w", err)
	}
	defer rows.Close()

	var users []types.TrackedUser
	for rows.Next() {
		var userID, address, network string
		if err := rows.Scan(&userID, &address, &network); err != nil {
			return nil, fmt.Errorf("failed to scan tracked wallet: %w", err)
		}
		if len(users) == 0 || users[len(users)-1].UserID != userID {
			users = append(users, types.TrackedUser{UserID: userID})
		}
		last := &users[len(users)-1]
		last.Wallets = append(last.Wallets, types.TrackedWallet{Address: address, Network: types.Network(network)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked wallets: %w", err)
	}
	return users, nil
}

// FileTrackedUsers serves tracked users from a static YAML file:
//
//	users:
//	  - user_id: u-123
//	    wallets:
//	      - address: "0xabc..."
//	        network: testnet
type FileTrackedUsers struct {
	users []types.TrackedUser
}

type trackedUsersFile struct {
	Users []types.TrackedUser `yaml:"users"`
}

// LoadTrackedUsersFile parses and validates the YAML file at path
func LoadTrackedUsersFile(path string) (*FileTrackedUsers, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read tracked users file: %w", err)
	}
	return ParseTrackedUsers(data)
}

// ParseTrackedUsers parses tracked users from YAML bytes
func ParseTrackedUsers(data []byte) (*FileTrackedUsers, error) {
	var f trackedUsersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tracked users: %w", err)
	}

	for i := range f.Users {
		u := &f.Users[i]
		u.UserID = strings.TrimSpace(u.UserID)
		for j := range u.Wallets {
			if u.Wallets[j].Network == "" {
				u.Wallets[j].Network = types.NetworkMainnet
			}
		}
		if err := u.Validate(); err != nil {
			return nil, err
		}
	}
	sort.Slice(f.Users, func(i, j int) bool { return f.Users[i].UserID < f.Users[j].UserID })

	return &FileTrackedUsers{users: f.Users}, nil
}

// ListActive returns every user in the file
func (f *FileTrackedUsers) ListActive(ctx context.Context) ([]types.TrackedUser, error) {
	out := make([]types.TrackedUser, len(f.users))
	copy(out, f.users)
	return out, nil
}

// Get returns one user, or nil when unknown
func (f *FileTrackedUsers) Get(ctx context.Context, userID string) (*types.TrackedUser, error) {
	for i := range f.users {
		if f.users[i].UserID == userID {
			u := f.users[i]
			return &u, nil
		}
	}
	return nil, nil
}
