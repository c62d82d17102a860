package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chenyme/grok2api/common/config"
)

func TestFlattenConfigRoundTrip(t *testing.T) {
	s := config.DefaultSettings()
	s.App.AppKey = "admin"
	s.Retry.RetryBackoffBase = 0.25
	doc, err := config.EncodeTOML(s)
	require.NoError(t, err)

	flat, err := flattenConfig(doc)
	require.NoError(t, err)
	require.Equal(t, `"admin"`, flat["app.app_key"])
	require.Equal(t, "3", flat["retry.max_retry"])
	require.Equal(t, "0.25", flat["retry.retry_backoff_base"])
	require.Equal(t, "[401,403,408,429,500,502,503,504]", flat["retry.retry_status_codes"])

	back, err := unflattenConfig(flat)
	require.NoError(t, err)

	decoded, err := config.DecodeTOML(back)
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestUnflattenConfigEmpty(t *testing.T) {
	doc, err := unflattenConfig(nil)
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestOpenStorageRejectsBadType(t *testing.T) {
	_, err := OpenStorage(context.Background(), "etcd", "")
	require.Error(t, err)

	_, err = OpenStorage(context.Background(), StorageTypeRedis, "")
	require.Error(t, err)

	_, err = OpenStorage(context.Background(), StorageTypeMySQL, "")
	require.Error(t, err)
}
