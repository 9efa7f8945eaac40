package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

const (
	geminiBaseURL   = "https://generativelanguage.googleapis.com"
	telegramBaseURL = "https://api.telegram.org"
	validateTimeout = 10 * time.Second
)

// IsInteractiveTerminal returns true if both stdin and stdout are TTYs.
func IsInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// RunSetupWizard collects the first-run configuration, writes the env file
// and exports the values into the current process. Returns true if startup
// should continue.
func RunSetupWizard() bool {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		MarginBottom(1)

	fmt.Println()
	fmt.Println(titleStyle.Render("🔎 Deal Scout - First-time Setup"))
	fmt.Println()

	var geminiKey, botToken, chatID string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gemini API Key").
				Description("Get yours at https://aistudio.google.com/apikey").
				Value(&geminiKey).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("API key is required")
					}
					return validateGeminiKey(geminiBaseURL, strings.TrimSpace(s))
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram Bot Token (optional)").
				Description("Leave empty to skip deal notifications").
				Value(&botToken).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return validateTelegramToken(telegramBaseURL, s)
				}),
			huh.NewInput().
				Title("Telegram Chat ID (optional)").
				Description("Message @userinfobot to get your ID").
				Value(&chatID).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if _, err := strconv.ParseInt(s, 10, 64); err != nil {
						return errors.New("must be a number")
					}
					return nil
				}),
		),
	).WithTheme(huh.ThemeBase16())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("\nSetup cancelled.")
			return false
		}
		fmt.Printf("\nError: %v\n", err)
		return false
	}

	values := map[string]string{
		"DEAL_SCOUT_SECRET": generateSecret(),
		"GEMINI_API_KEY":    strings.TrimSpace(geminiKey),
	}
	if botToken != "" && chatID != "" {
		values["TELEGRAM_BOT_TOKEN"] = botToken
		values["TELEGRAM_CHAT_ID"] = chatID
	}

	path, err := WriteEnvFile(values)
	if err != nil {
		fmt.Printf("\nError saving configuration: %v\n", err)
		WaitOnWindows()
		return false
	}

	for k, v := range values {
		os.Setenv(k, v)
	}

	successStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)
	pathStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245"))

	fmt.Println()
	fmt.Println(successStyle.Render("✓ Configuration saved"))
	fmt.Println(pathStyle.Render("  " + path))
	fmt.Println()
	fmt.Println("Starting deal scout...")
	fmt.Println()

	return true
}

func generateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("deal-scout-%d", time.Now().UnixNano())
	}
	return base64.URLEncoding.EncodeToString(b)
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// validateGeminiKey lists models with the key, which is cheap and fails fast
// on a bad key.
func validateGeminiKey(baseURL, key string) error {
	var body apiErrorBody
	resp, err := resty.New().
		SetTimeout(validateTimeout).
		SetBaseURL(baseURL).
		R().
		SetQueryParam("key", key).
		SetError(&body).
		Get("/v1beta/models")
	if err != nil {
		return errors.New("connection failed - check your internet")
	}

	switch code := resp.StatusCode(); {
	case code == 400 || code == 401 || code == 403:
		if body.Error.Message != "" {
			return errors.New(body.Error.Message)
		}
		return fmt.Errorf("API key rejected (HTTP %d)", code)
	case code != 200:
		return fmt.Errorf("unexpected response (HTTP %d)", code)
	}
	return nil
}

type getMeResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func validateTelegramToken(baseURL, token string) error {
	var result getMeResponse
	_, err := resty.New().
		SetTimeout(validateTimeout).
		SetBaseURL(baseURL).
		R().
		SetPathParam("token", token).
		SetResult(&result).
		SetError(&result).
		Get("/bot{token}/getMe")
	if err != nil {
		return errors.New("connection failed - check your internet")
	}
	if !result.OK {
		if result.Description != "" {
			return errors.New(result.Description)
		}
		return errors.New("token rejected by Telegram")
	}
	return nil
}

// WaitOnWindows pauses so users can read errors before the console closes.
func WaitOnWindows() {
	if runtime.GOOS == "windows" {
		fmt.Println()
		fmt.Println("Press Enter to exit...")
		fmt.Scanln()
	}
}

// FatalWithWait logs a fatal error and waits on Windows before exiting.
func FatalWithWait(format string, args ...any) {
	log.Error().Msgf(format, args...)
	WaitOnWindows()
	os.Exit(1)
}
