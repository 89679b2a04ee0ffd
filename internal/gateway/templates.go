package gateway

import (
	"fmt"
	"time"
)

// ViolationNotice renders the violation notice message body.
func ViolationNotice(plate, violationType string, fineAmount float64, recordedAt time.Time) string {
	return fmt.Sprintf(`Traffic Violation Notice

Date: %s
License Plate: %s
Violation Type: %s
Fine Amount: $%.2f

Please pay the fine within 30 days to avoid additional penalties.
Payment can be made online at: https://traffic.gov/pay-fine

This is an automated message. Do not reply to this email.
`, recordedAt.Format("2006-01-02 15:04:05"), plate, violationType, fineAmount)
}

// ViolationNoticeSubject renders the violation notice subject line.
func ViolationNoticeSubject(plate string) string {
	return fmt.Sprintf("Traffic Violation Notice - %s", plate)
}

// PaymentReceipt renders the fine payment receipt body.
func PaymentReceipt(transactionID, method string, amount float64, paidAt time.Time) string {
	return fmt.Sprintf(`Payment Receipt - Traffic Violation Fine

Transaction ID: %s
Date: %s
Amount Paid: $%.2f
Payment Method: %s

Thank you for your payment.
`, transactionID, paidAt.Format("2006-01-02 15:04:05"), amount, method)
}

// PaymentReceiptSubject is the receipt subject line.
const PaymentReceiptSubject = "Payment Receipt - Traffic Violation Fine"

// PaymentReminderBody renders the overdue payment reminder body.
func PaymentReminderBody(plate, violationType string, fineAmount float64, dueDate time.Time) string {
	return fmt.Sprintf(`Payment Reminder - Traffic Violation Fine

License Plate: %s
Violation Type: %s
Outstanding Fine: $%.2f
Due Date: %s

Your fine is still outstanding. Please pay promptly to avoid additional penalties.
Payment can be made online at: https://traffic.gov/pay-fine
`, plate, violationType, fineAmount, dueDate.Format("2006-01-02"))
}

// PaymentReminderSubject renders the reminder subject line.
func PaymentReminderSubject(plate string) string {
	return fmt.Sprintf("Payment Reminder - %s", plate)
}
