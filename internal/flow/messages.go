package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/DineFlow/internal/models"
)

const SnagMessage = "Sorry, we hit a snag. Please try again in a moment."

const DiscoveryMenuMessage = `Welcome to DineFlow!

Which bar or restaurant are you at?

1. Share your location and we'll find places nearby
2. Type the bar or restaurant name
3. Scan the bar's QR code

Reply with 1, 2 or 3.`

const (
	discoveryInvalidMessage = "Please reply with 1, 2 or 3 to choose how to find your bar or restaurant."
	locationPromptMessage   = "Please share your location with the attachment button, or type your area or the bar name."
	namePromptMessage       = "Please type the name of the bar or restaurant you're at."
	qrMessage               = `To scan a QR code:

1. Find the DineFlow QR code at your table
2. Scan it with your phone camera
3. Open the link that appears

No QR code? Reply 1 or 2 instead.`
	shortQueryMessage   = "Please enter at least 2 characters to search for a bar or restaurant."
	noNearbyMessage     = "We couldn't find bars or restaurants near you. Please type the bar name instead."
	barLoadFailedText   = "Sorry, we couldn't load that bar. Please type its name again."
	itemUnavailableText = "Sorry, that item is no longer available."
)

func noMatchesMessage(query string) string {
	return fmt.Sprintf(`No bars or restaurants match "%s".

Try:
- a different spelling
- just the first part of the name
- sharing your location instead (reply "location")`, query)
}

func barListMessage(intro string, bars []models.BarRef) string {
	var b strings.Builder
	b.WriteString(intro)
	b.WriteString("\n\n")
	for i, bar := range bars {
		fmt.Fprintf(&b, "%d. %s\n", i+1, bar.Name)
	}
	fmt.Fprintf(&b, "\nReply with a number (1-%d) to choose.", len(bars))
	return b.String()
}

func selectionRangeMessage(n int) string {
	return fmt.Sprintf("Please reply with a number between 1 and %d.", n)
}

func menuMessage(bar models.Bar, items []models.ItemRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to %s!", bar.Name)
	if bar.LocationText != "" {
		fmt.Fprintf(&b, "\n%s", bar.LocationText)
	}
	b.WriteString("\n\nMenu:\n")
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, it.Name, models.FormatMoney(it.PriceMinor, it.Currency))
	}
	b.WriteString("\nReply with an item number to order it. Reply \"bars\" to choose another place.")
	return b.String()
}

func emptyMenuMessage(bar models.Bar) string {
	return fmt.Sprintf("Welcome to %s! The menu isn't available yet. Send any message to check again, or reply \"bars\" to choose another place.", bar.Name)
}

func orderPlacedMessage(o *models.Order) string {
	return fmt.Sprintf(`Order %s placed: 1 x %s, %s.

%s

Reply "paid" once you've paid, "cancel" to cancel, or another item number to order more.`,
		o.Code, o.ItemName, models.FormatMoney(o.TotalMinor, o.Currency), o.PaymentInstructions.Text)
}

func orderPromptMessage(n int) string {
	return fmt.Sprintf("Reply \"paid\" once you've paid, \"cancel\" to cancel, \"menu\" to see the menu, or an item number (1-%d) to order more.", n)
}
