package main

import (
	"testing"

	"github.com/pusher/pusher-http-go/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campushealth/internal/config"
	"campushealth/internal/notify"
)

func TestTransportsFromConfig(t *testing.T) {
	t.Setenv("PUSHER_APP_ID", "1")
	t.Setenv("PUSHER_KEY", "k")
	t.Setenv("PUSHER_SECRET", "s")
	t.Setenv("PUSHER_CLUSTER", "")
	t.Setenv("SMTP_HOST", "smtp.campus.edu")
	t.Setenv("SMTP_FROM", "clinic@campus.edu")

	rt, mailer := transports(config.Load())
	p, ok := rt.(*pusher.Client)
	require.True(t, ok)
	assert.Equal(t, "1", p.AppID)
	assert.Equal(t, "ap2", p.Cluster)
	assert.IsType(t, &notify.SMTPMailer{}, mailer)
}

func TestTransportsFromConfig_Unset(t *testing.T) {
	rt, mailer := transports(config.App{})
	assert.Nil(t, rt)
	assert.Nil(t, mailer)
}
