package prompts

import "fmt"

// ClassificationPrompt asks a vision model for the receipt category.
func ClassificationPrompt() string {
	return `A receipt or invoice is provided in the image. Classify it into one of the following categories:
1. FOOD_EXPENSE
2. TRAVEL_EXPENSE
3. TECH_EXPENSE
4. OTHER_EXPENSE

Only respond with the category name. Do not include any other text.`
}

// extractionFields lists what to pull out of each receipt category.
var extractionFields = map[string]string{
	"FOOD_EXPENSE": `Merchant/Store name:
Date of purchase (YYYY-MM-DD):
Time of purchase:
Items purchased (name, quantity, price):
Alcoholic items (yes/no, list them):
Subtotal:
Taxes:
Total amount:
Payment method:
Number of people served (if shown):`,

	"TRAVEL_EXPENSE": `Service provider (e.g. Uber, Ola, Rapido, airline):
Date of travel (YYYY-MM-DD):
Time of travel:
Source address:
Destination address:
Distance travelled:
Fare breakdown:
Total amount:
Payment method:`,

	"TECH_EXPENSE": `Vendor name:
Invoice number:
Date of purchase (YYYY-MM-DD):
Product or service name:
Product category (hardware, software, subscription, accessory):
Quantity:
Unit price:
Taxes:
Total amount:
Warranty or subscription period:`,

	"OTHER_EXPENSE": `Merchant/Vendor name:
Date (YYYY-MM-DD):
Description of goods or services:
Total amount:
Payment method:`,
}

const extractionTemplate = `Please analyze this receipt image and extract the following information in this EXACT structured format:

%s

NOTE:
1. DO NOT FABRICATE any data if not available or unclear. Write "Not available" instead.
2. Only answer the above information, NOTHING extra.`

// ExtractionPrompt asks a vision model for the structured fields of a
// receipt of the given type. Unknown types get the OTHER_EXPENSE fields.
func ExtractionPrompt(receiptType string) string {
	fields, ok := extractionFields[receiptType]
	if !ok {
		fields = extractionFields["OTHER_EXPENSE"]
	}
	return fmt.Sprintf(extractionTemplate, fields)
}

// DuplicateComparePrompt asks a vision model whether two receipt images
// show the same purchase. The original image is sent first.
func DuplicateComparePrompt() string {
	return `Compare these receipts and determine if they are duplicates.
If duplicates: respond with "YES" followed by key similarities.
If NOT duplicates: respond with "NO" followed by key differences.
DO NOT fabricate data.
IMPORTANT: Limit your response to 30 words maximum, focusing only on the most critical points.`
}

// DuplicateCheckFallback is the verdict reported when the comparison
// model cannot be reached or returns nothing.
const DuplicateCheckFallback = "Duplicate Check Tool was not able to process the images. Proceed with the assumption that receipt is NOT a duplicate."
