package model_test

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/model"
)

func TestMarshalCanonicalJSONRoundTrip(t *testing.T) {
	p := model.Plaintext{
		Kind: model.KindMessage,
		Message: &model.Message{
			Text: "hello",
			Attachments: []model.Attachment{
				{FileID: sha256.Sum256([]byte("f1")), ChunkCount: 3, MIME: "image/png"},
			},
		},
	}

	data, err := p.MarshalCanonicalJSON()
	require.NoError(t, err)

	got, err := model.UnmarshalCanonicalJSON(data)
	require.NoError(t, err)
	require.Equal(t, model.KindMessage, got.Kind)
	require.Equal(t, p.Message.Text, got.Message.Text)
	require.Len(t, got.Message.Attachments, 1)
}

func TestMarshalCanonicalJSONIsDeterministic(t *testing.T) {
	p := model.Plaintext{
		Kind:     model.KindReaction,
		Reaction: &model.Reaction{TargetEventID: sha256.Sum256([]byte("target")), Emoji: "👍"},
	}

	a, err := p.MarshalCanonicalJSON()
	require.NoError(t, err)
	b, err := p.MarshalCanonicalJSON()
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestUnmarshalCanonicalJSONOnlyPopulatesActiveVariant(t *testing.T) {
	p := model.Plaintext{Kind: model.KindDeviceStatus, DeviceStatus: &model.DeviceStatus{Online: true}}
	data, err := p.MarshalCanonicalJSON()
	require.NoError(t, err)

	got, err := model.UnmarshalCanonicalJSON(data)
	require.NoError(t, err)
	require.Nil(t, got.Message)
	require.Nil(t, got.Reaction)
	require.Nil(t, got.FileChunk)
	require.NotNil(t, got.DeviceStatus)
	require.True(t, got.DeviceStatus.Online)
}
