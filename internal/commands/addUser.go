package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"kolokol/internal/api"
	"kolokol/internal/config"
)

// AddUser creates a user through the admin API of a running server and
// prints the access token for it.
func AddUser(ctx context.Context, username string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:     %s\n", result.Username)
	fmt.Printf("User ID:      %s\n", result.UserID)
	fmt.Printf("Token:        %s\n", result.Token)
	fmt.Printf("Expires:      %s\n", result.TokenExpiry.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Connect URL:  %s\n\n", result.ConnectURL)
	fmt.Println("Please share the token with the user, it is not stored anywhere.")
	return nil
}
