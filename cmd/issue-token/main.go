package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

// issue-token mints a development token signed with the identity provider's
// shared secret, for exercising the API without the provider.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Development Token ===")

	// Subject
	fmt.Print("Enter User ID: ")
	userID, _ := reader.ReadString('\n')
	userID = strings.TrimSpace(userID)
	if userID == "" {
		fmt.Println("Error: User ID is required")
		return
	}

	// Role
	fmt.Print("Enter Role (candidate/examiner, default candidate): ")
	roleStr, _ := reader.ReadString('\n')
	role := service.Role(strings.ToLower(strings.TrimSpace(roleStr)))
	if role == "" {
		role = service.RoleCandidate
	}
	if role != service.RoleCandidate && role != service.RoleExaminer {
		fmt.Println("Error: Role must be candidate or examiner")
		return
	}

	// Name
	fmt.Print("Enter Display Name (optional): ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)

	// TTL
	fmt.Print("Enter Lifetime in hours (default 8): ")
	ttlStr, _ := reader.ReadString('\n')
	ttlStr = strings.TrimSpace(ttlStr)
	hours := 8
	if ttlStr != "" {
		h, err := strconv.Atoi(ttlStr)
		if err != nil || h <= 0 {
			fmt.Println("Error: Lifetime must be a positive number")
			return
		}
		hours = h
	}

	// Secret, hidden; blank keeps JWT_SECRET from the environment.
	fmt.Print("Enter Signing Secret (blank for JWT_SECRET): ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading secret")
		return
	}
	fmt.Println() // Newline after secret input
	if s := strings.TrimSpace(string(secret)); s != "" {
		cfg.JWTSecret = s
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := service.NewAuthService(cfg).IssueToken(userID, role, name, time.Duration(hours)*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nSuccess! %s token for '%s' valid for %dh:\n%s\n", role, userID, hours, token)
}
