package cmd

import (
	"bytes"
	"fmt"
	"github.com/arcward/onebot/onebot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("OB_DATABASE_TYPE", "sqlite")
	t.Setenv("OB_DATABASE", dbPath)

	oldStdin := os.Stdin
	t.Cleanup(
		func() {
			os.Stdin = oldStdin
		},
	)

	passwords := []string{"testpassword", "testpassword"}
	passwordIndex := 0

	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}
	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)

	r, w, _ := os.Pipe()
	os.Stdin = r
	go func() {
		_, _ = w.Write([]byte("testadmin\n"))
		_ = w.Close()
	}()

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config onebot.RuntimeConfig
	require.NoError(t, db.First(&config).Error)

	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEmpty(t, config.AdminPassword)
	assert.NotEqual(t, "testpassword", config.AdminPassword)
	assert.Equal(t, onebot.DefaultMessageXP, config.MessageXP)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&onebot.MemberLevel{}))
	assert.True(t, mg.HasTable(&onebot.GuildChannel{}))
	assert.True(t, mg.HasTable(&onebot.GuildRole{}))
	assert.True(t, mg.HasTable(&onebot.RuntimeConfig{}))

	valid, err := onebot.VerifyPassword(config.AdminPassword, "testpassword")
	assert.NoError(t, err)
	assert.True(t, valid)
}

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migrate.db")
	t.Setenv("OB_DATABASE_TYPE", "sqlite")
	t.Setenv("OB_DATABASE", dbPath)

	currentOut := rootCmd.OutOrStdout()
	t.Cleanup(func() { rootCmd.SetOut(currentOut) })
	var out bytes.Buffer
	rootCmd.SetOut(&out)

	rootCmd.SetArgs([]string{"migrate"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Migration complete.")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	assert.True(t, db.Migrator().HasTable(&onebot.MemberLevel{}))
	assert.True(t, db.Migrator().HasTable("runtime_config"))
}
