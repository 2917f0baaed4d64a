package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKV implements cluster.KeyValueAccessor on etcd. A table is the
// key prefix /<cluster>/<table>/.
type EtcdKV struct {
	client      *clientv3.Client
	clusterName string
}

func ConnectEtcd(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func NewEtcdKV(client *clientv3.Client, clusterName string) *EtcdKV {
	return &EtcdKV{
		client:      client,
		clusterName: clusterName,
	}
}

func (etcd *EtcdKV) clusterPrefix() string {
	return "/" + etcd.clusterName
}

func (etcd *EtcdKV) tablePrefix(table string) string {
	return etcd.clusterPrefix() + "/" + table + "/"
}

func (etcd *EtcdKV) Put(ctx context.Context, table, key, value string) error {
	if _, err := etcd.client.Put(ctx, etcd.tablePrefix(table)+key, value); err != nil {
		return fmt.Errorf("failed to write %s to etcd: %w", key, err)
	}
	return nil
}

func (etcd *EtcdKV) Get(ctx context.Context, table, key string) (string, bool, error) {
	resp, err := etcd.client.Get(ctx, etcd.tablePrefix(table)+key)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (etcd *EtcdKV) Keys(ctx context.Context, table string) ([]string, error) {
	prefix := etcd.tablePrefix(table)
	resp, err := etcd.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s keys from etcd: %w", table, err)
	}

	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), prefix))
	}
	return keys, nil
}

func (etcd *EtcdKV) Delete(ctx context.Context, table, key string) error {
	if _, err := etcd.client.Delete(ctx, etcd.tablePrefix(table)+key); err != nil {
		return fmt.Errorf("failed to delete %s from etcd: %w", key, err)
	}
	return nil
}

// DeleteTable removes every key under the table prefix.
func (etcd *EtcdKV) DeleteTable(ctx context.Context, table string) error {
	if _, err := etcd.client.Delete(ctx, etcd.tablePrefix(table), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("failed to delete %s from etcd: %w", table, err)
	}
	return nil
}

// Ping succeeds if any endpoint answers a status request.
func (etcd *EtcdKV) Ping(ctx context.Context) error {
	var errs []error
	for _, endpoint := range etcd.client.Endpoints() {
		if _, err := etcd.client.Status(ctx, endpoint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no etcd endpoints configured")
	}
	return errors.Join(errs...)
}

func (etcd *EtcdKV) Close() error {
	return etcd.client.Close()
}
