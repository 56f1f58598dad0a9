package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	velora "github.com/velora-app/velora/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// profiles browse
	browseCity   string
	browseMinAge int
	browseMaxAge int
	browseLimit  int
	browseJSON   bool

	// offers list
	offersCategory string
	offersCity     string
	offersOpenOnly bool
	offersJSON     bool

	// offers create
	offerCategory    string
	offerCity        string
	offerDescription string

	// bookings request
	bookingStartsAt string
	bookingDuration int
	bookingPlace    string
	bookingNote     string
)

// ============================================================================
// profiles
// ============================================================================

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Browse and view profiles",
}

var profilesBrowseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Profiles.Browse(ctx, &velora.BrowseOptions{
			City:   browseCity,
			MinAge: browseMinAge,
			MaxAge: browseMaxAge,
			Limit:  browseLimit,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if browseJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var profiles []velora.Profile
		if err := result.Decode(&profiles); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(profiles) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}

		for _, p := range profiles {
			verified := ""
			if p.IsVerified {
				verified = " ✓"
			}
			fmt.Printf("  %s: %s%s (%d, %s)\n", p.ID, p.DisplayName, verified, p.Age, p.City)
		}
		return nil
	},
}

var profilesShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Profiles.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var p velora.Profile
		if err := result.Decode(&p); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		fmt.Printf("Name:     %s\n", p.DisplayName)
		fmt.Printf("Age:      %d\n", p.Age)
		fmt.Printf("City:     %s\n", p.City)
		fmt.Printf("Verified: %v\n", p.IsVerified)
		if p.Bio != "" {
			fmt.Printf("Bio:      %s\n", p.Bio)
		}

		// The aggregate is absent for unrated users; show it only when present.
		if summary, err := client.Ratings.Summary(ctx, args[0]); err == nil && summary.OK {
			var s velora.RatingSummary
			if summary.Decode(&s) == nil && s.Count > 0 {
				fmt.Printf("Rating:   %.1f (%d ratings)\n", s.Average, s.Count)
			}
		}
		return nil
	},
}

// ============================================================================
// bookings
// ============================================================================

var bookingsCmd = &cobra.Command{
	Use:   "bookings",
	Short: "Manage companionship bookings",
}

var bookingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your bookings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Bookings.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var bookings []velora.Booking
		if err := result.Decode(&bookings); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(bookings) == 0 {
			fmt.Println("No bookings found.")
			return nil
		}

		for _, b := range bookings {
			fmt.Printf("  %s: %s with %s at %s (%d min)\n", b.ID, b.Status, b.ProviderID, b.StartsAt, b.DurationMin)
		}
		return nil
	},
}

var bookingsRequestCmd = &cobra.Command{
	Use:   "request <provider-id>",
	Short: "Request a booking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Bookings.Create(ctx, &velora.BookingOptions{
			ProviderID:  args[0],
			StartsAt:    bookingStartsAt,
			DurationMin: bookingDuration,
			Place:       bookingPlace,
			Note:        bookingNote,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var b velora.Booking
		if err := result.Decode(&b); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		fmt.Printf("Booking requested: %s (%s)\n", b.ID, b.Status)
		return nil
	},
}

func bookingTransitionCmd(use, short string, call func(*velora.Client, context.Context, string) (*velora.RPCResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <booking-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := getClient()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			result, err := call(client, ctx, args[0])
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if !result.OK {
				return apiError(result)
			}
			fmt.Printf("Booking %s: %s\n", args[0], use)
			return nil
		},
	}
}

// ============================================================================
// offers
// ============================================================================

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "Offer marketplace commands",
}

var offersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Offers.List(ctx, &velora.ListOffersOptions{
			Category: offersCategory,
			City:     offersCity,
			OpenOnly: offersOpenOnly,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		if offersJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var offers []velora.Offer
		if err := result.Decode(&offers); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(offers) == 0 {
			fmt.Println("No offers found.")
			return nil
		}

		for _, o := range offers {
			fmt.Printf("  %s [%s/%s] %s (%s)\n", o.ID, o.Category, o.Status, o.Title, o.City)
		}
		return nil
	},
}

var offersCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Post a new offer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Offers.Create(ctx, &velora.OfferOptions{
			Category:    offerCategory,
			Title:       args[0],
			Description: offerDescription,
			City:        offerCity,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var o velora.Offer
		if err := result.Decode(&o); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		fmt.Printf("Offer created: %s\n", o.ID)
		return nil
	},
}

var offersApplyCmd = &cobra.Command{
	Use:   "apply <offer-id> [note]",
	Short: "Apply to an offer",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note := ""
		if len(args) == 2 {
			note = args[1]
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Offers.Apply(ctx, args[0], note)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Printf("Applied to offer %s.\n", args[0])
		return nil
	},
}

var offersSelectCmd = &cobra.Command{
	Use:   "select <offer-id> <application-id>",
	Short: "Select the winning application for your offer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Offers.SelectApplication(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Printf("Application %s selected; offer %s closed.\n", args[1], args[0])
		return nil
	},
}

// ============================================================================
// ratings
// ============================================================================

var ratingsCmd = &cobra.Command{
	Use:   "ratings",
	Short: "Rate users and view ratings",
}

var ratingsRateCmd = &cobra.Command{
	Use:   "rate <user-id> <stars> [comment]",
	Short: "Rate a user (1-5 stars)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		stars, err := strconv.Atoi(args[1])
		if err != nil || stars < 1 || stars > 5 {
			return fmt.Errorf("stars must be an integer between 1 and 5")
		}
		comment := ""
		if len(args) == 3 {
			comment = args[2]
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Ratings.Rate(ctx, args[0], stars, comment)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Printf("Rated %s: %d stars.\n", args[0], stars)
		return nil
	},
}

var ratingsListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's received ratings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Ratings.ListForUser(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var ratings []velora.Rating
		if err := result.Decode(&ratings); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(ratings) == 0 {
			fmt.Println("No ratings yet.")
			return nil
		}

		for _, r := range ratings {
			comment := ""
			if r.Comment != "" {
				comment = " — " + r.Comment
			}
			fmt.Printf("  [%s] %d★ from %s%s\n", r.CreatedAt, r.Stars, r.RaterID, comment)
		}
		return nil
	},
}

// ============================================================================
// blocks
// ============================================================================

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Manage blocked users",
}

var blocksAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Block a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Blocks.Block(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Printf("Blocked %s.\n", args[0])
		return nil
	},
}

var blocksRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Unblock a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Blocks.Unblock(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Printf("Unblocked %s.\n", args[0])
		return nil
	},
}

// ============================================================================
// access
// ============================================================================

var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Manage access to gated profile info",
}

var accessRequestCmd = &cobra.Command{
	Use:   "request <user-id>",
	Short: "Request access to a user's private info",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Access.RequestInfo(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Printf("Access requested from %s.\n", args[0])
		return nil
	},
}

var accessListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending access requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Access.ListRequests(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var requests []velora.AccessRequest
		if err := result.Decode(&requests); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if len(requests) == 0 {
			fmt.Println("No access requests.")
			return nil
		}

		for _, r := range requests {
			fmt.Printf("  %s: %s from %s\n", r.ID, r.Status, r.RequesterID)
		}
		return nil
	},
}

var accessGrantCmd = &cobra.Command{
	Use:   "grant <request-id>",
	Short: "Grant an access request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Access.Grant(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Printf("Access request %s granted.\n", args[0])
		return nil
	},
}

var accessDenyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny an access request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Access.Deny(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}
		fmt.Printf("Access request %s denied.\n", args[0])
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// profiles browse
	profilesBrowseCmd.Flags().StringVar(&browseCity, "city", "", "Filter by city")
	profilesBrowseCmd.Flags().IntVar(&browseMinAge, "min-age", 0, "Minimum age")
	profilesBrowseCmd.Flags().IntVar(&browseMaxAge, "max-age", 0, "Maximum age")
	profilesBrowseCmd.Flags().IntVarP(&browseLimit, "limit", "n", 0, "Maximum number of profiles")
	profilesBrowseCmd.Flags().BoolVar(&browseJSON, "json", false, "Output raw JSON")

	// offers list
	offersListCmd.Flags().StringVar(&offersCategory, "category", "", "Filter by category")
	offersListCmd.Flags().StringVar(&offersCity, "city", "", "Filter by city")
	offersListCmd.Flags().BoolVar(&offersOpenOnly, "open", false, "Show only open offers")
	offersListCmd.Flags().BoolVar(&offersJSON, "json", false, "Output raw JSON")

	// offers create
	offersCreateCmd.Flags().StringVar(&offerCategory, "category", "drinks", "Offer category")
	offersCreateCmd.Flags().StringVar(&offerCity, "city", "", "City")
	offersCreateCmd.Flags().StringVar(&offerDescription, "description", "", "Description")

	// bookings request
	bookingsRequestCmd.Flags().StringVar(&bookingStartsAt, "at", "", "Start time (RFC 3339)")
	bookingsRequestCmd.Flags().IntVar(&bookingDuration, "duration", 60, "Duration in minutes")
	bookingsRequestCmd.Flags().StringVar(&bookingPlace, "place", "", "Meeting place")
	bookingsRequestCmd.Flags().StringVar(&bookingNote, "note", "", "Note for the provider")

	profilesCmd.AddCommand(profilesBrowseCmd)
	profilesCmd.AddCommand(profilesShowCmd)

	bookingsCmd.AddCommand(bookingsListCmd)
	bookingsCmd.AddCommand(bookingsRequestCmd)
	bookingsCmd.AddCommand(bookingTransitionCmd("accept", "Accept a pending booking", func(c *velora.Client, ctx context.Context, id string) (*velora.RPCResult, error) {
		return c.Bookings.Accept(ctx, id)
	}))
	bookingsCmd.AddCommand(bookingTransitionCmd("decline", "Decline a pending booking", func(c *velora.Client, ctx context.Context, id string) (*velora.RPCResult, error) {
		return c.Bookings.Decline(ctx, id)
	}))
	bookingsCmd.AddCommand(bookingTransitionCmd("cancel", "Cancel your booking", func(c *velora.Client, ctx context.Context, id string) (*velora.RPCResult, error) {
		return c.Bookings.Cancel(ctx, id)
	}))

	offersCmd.AddCommand(offersListCmd)
	offersCmd.AddCommand(offersCreateCmd)
	offersCmd.AddCommand(offersApplyCmd)
	offersCmd.AddCommand(offersSelectCmd)

	ratingsCmd.AddCommand(ratingsRateCmd)
	ratingsCmd.AddCommand(ratingsListCmd)

	blocksCmd.AddCommand(blocksAddCmd)
	blocksCmd.AddCommand(blocksRemoveCmd)

	accessCmd.AddCommand(accessRequestCmd)
	accessCmd.AddCommand(accessListCmd)
	accessCmd.AddCommand(accessGrantCmd)
	accessCmd.AddCommand(accessDenyCmd)

	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(bookingsCmd)
	rootCmd.AddCommand(offersCmd)
	rootCmd.AddCommand(ratingsCmd)
	rootCmd.AddCommand(blocksCmd)
	rootCmd.AddCommand(accessCmd)
}
