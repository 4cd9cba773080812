// Package seed funds a deterministic set of test accounts through the
// coordinator gateway.
package seed

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/coordinator"
	"github.com/sharding-experiment/multitoken/internal/network"
	"github.com/sharding-experiment/multitoken/internal/protocol"
	"github.com/sharding-experiment/multitoken/internal/shard"
)

// Accounts returns n addresses derived from a fixed seed, so that every run
// produces the same set.
func Accounts(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		hash := sha256.Sum256([]byte(fmt.Sprintf("multitoken-test-account-%d", i)))
		out[i] = common.BytesToAddress(hash[:])
	}
	return out
}

// WriteAccounts stores one hex address per line.
func WriteAccounts(path string, accounts []common.Address) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, a := range accounts {
		if _, err := fmt.Fprintln(w, a.Hex()); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadAccounts loads a file written by WriteAccounts. Blank lines are skipped.
func ReadAccounts(path string) ([]common.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []common.Address
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !common.IsHexAddress(line) {
			return nil, errors.Errorf("invalid address %q", line)
		}
		out = append(out, common.HexToAddress(line))
	}
	return out, nil
}

// Seeder submits transactions to a coordinator gateway as the front end.
type Seeder struct {
	BaseURL  string
	FrontEnd common.Address
	HTTP     *http.Client
	Logger   *zap.Logger

	// Retries bounds resubmissions of a pending transaction.
	Retries int
	Backoff time.Duration
}

// Fund creates a token owned by issuer with perAccount for every account and
// transfers each share out. It returns the new token id.
func (s *Seeder) Fund(ctx context.Context, issuer common.Address, accounts []common.Address, perAccount *uint256.Int) (protocol.TokenID, error) {
	total, overflow := new(uint256.Int).MulOverflow(perAccount, uint256.NewInt(uint64(len(accounts))))
	if overflow {
		return 0, errors.New("total supply overflows")
	}

	txID := uint64(time.Now().UnixNano())
	created, err := s.submit(ctx, issuer, txID, protocol.Action{Create: &protocol.CreateAction{InitialAmount: total, URI: "seed://" + issuer.Hex()}})
	if err != nil {
		return 0, errors.Wrap(err, "create token")
	}
	token := created.Token
	if token == 0 {
		return 0, errors.New("create reply carried no token id")
	}

	for i, acc := range accounts {
		action := protocol.Action{Transfer: &protocol.TransferAction{Token: token, Sender: issuer, Recipient: acc, Amount: perAccount}}
		if _, err := s.submit(ctx, issuer, txID+uint64(i)+1, action); err != nil {
			return token, errors.Wrapf(err, "fund %s", acc.Hex())
		}
	}
	s.logger().Info("accounts funded", zap.Uint64("token", uint64(token)), zap.Int("accounts", len(accounts)))
	return token, nil
}

func (s *Seeder) client() *http.Client {
	if s.HTTP == nil {
		return http.DefaultClient
	}
	return s.HTTP
}

func (s *Seeder) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// submit sends one transaction, resubmitting the same tx id while the
// coordinator reports it pending.
func (s *Seeder) submit(ctx context.Context, caller common.Address, txID uint64, action protocol.Action) (coordinator.SubmitResponse, error) {
	header := http.Header{}
	header.Set(shard.SenderHeader, s.FrontEnd.Hex())
	req := coordinator.Request{Caller: caller, TxID: txID, Action: action}

	for attempt := 0; ; attempt++ {
		var resp coordinator.SubmitResponse
		err := network.DoJSON(ctx, s.client(), http.MethodPost, s.BaseURL+"/tx", header, req, &resp)
		if err != nil {
			return resp, err
		}
		switch resp.Event {
		case protocol.EventOk:
			return resp, nil
		case protocol.EventErr:
			return resp, errors.Errorf("tx %d rejected", txID)
		}
		if attempt >= s.Retries {
			return resp, errors.Wrapf(protocol.ErrPending, "tx %d", txID)
		}
		s.logger().Debug("transaction pending, retrying", zap.Uint64("tx_id", txID), zap.Int("attempt", attempt+1))
		select {
		case <-time.After(s.Backoff):
		case <-ctx.Done():
			return resp, ctx.Err()
		}
	}
}
