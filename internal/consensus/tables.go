package consensus

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// subcategories lists each category's subcategories in match order.
var subcategories = map[string][]string{
	domain.CategoryMeals:         {"business_lunch", "team_dinner", "coffee_meeting", "client_entertainment"},
	domain.CategoryTravel:        {"airfare", "hotel", "rental_car", "taxi", "meals_per_diem"},
	domain.CategoryOffice:        {"supplies", "equipment", "software", "furniture", "internet"},
	domain.CategoryAdvertising:   {"digital_ads", "social_media", "print_ads", "seo", "influencer"},
	domain.CategorySubscriptions: {"saas", "cloud_services", "membership", "software"},
	domain.CategoryUtilities:     {"electricity", "water", "internet", "phone", "gas"},
	domain.CategoryProfessional:  {"legal", "accounting", "consulting", "design"},
	domain.CategoryShipping:      {"postage", "courier", "delivery", "packaging"},
	domain.CategoryInsurance:     {"liability", "health", "property", "workers_comp"},
	domain.CategoryMaintenance:   {"repairs", "cleaning", "equipment_service"},
	domain.CategoryPayroll:       {"salaries", "benefits", "bonuses", "contractors"},
	domain.CategoryRent:          {"office_rent", "equipment_rental", "storage"},
	domain.CategoryEntertainment: {"client_gifts", "event_tickets", "corporate_events"},
	domain.CategoryEducation:     {"training", "courses", "books", "conferences"},
}

// Subcategory picks the first subcategory of category with a keyword in
// description, else the first listed. Categories without a list return "".
func Subcategory(category, description string) string {
	list := subcategories[category]
	if len(list) == 0 {
		return ""
	}

	desc := strings.ToLower(description)
	for _, sub := range list {
		for _, kw := range strings.Split(sub, "_") {
			if strings.Contains(desc, kw) {
				return sub
			}
		}
	}
	return list[0]
}

// TaxInfo is the deductibility of a category.
type TaxInfo struct {
	Deductible bool
	Rate       float64
	Limit      float64 // 0 = no limit
}

var taxRules = map[string]TaxInfo{
	domain.CategoryMeals:         {Deductible: true, Rate: 0.5},
	domain.CategoryTravel:        {Deductible: true, Rate: 1.0},
	domain.CategoryOffice:        {Deductible: true, Rate: 1.0},
	domain.CategoryAdvertising:   {Deductible: true, Rate: 1.0},
	domain.CategorySubscriptions: {Deductible: true, Rate: 1.0},
	domain.CategoryUtilities:     {Deductible: true, Rate: 1.0},
	domain.CategoryProfessional:  {Deductible: true, Rate: 1.0},
	domain.CategoryShipping:      {Deductible: true, Rate: 1.0},
	domain.CategoryInsurance:     {Deductible: true, Rate: 1.0},
	domain.CategoryMaintenance:   {Deductible: true, Rate: 1.0},
	domain.CategoryPayroll:       {Deductible: true, Rate: 1.0},
	domain.CategoryRent:          {Deductible: true, Rate: 1.0},
	domain.CategoryEntertainment: {},
	domain.CategoryEducation:     {Deductible: true, Rate: 1.0, Limit: 5250},
	domain.CategoryUncategorized: {},
}

// Tax returns the tax treatment of category; unknown categories are not
// deductible.
func Tax(category string) TaxInfo {
	return taxRules[category]
}

const defaultAccount = "6999 - Miscellaneous Expense"

var accounts = map[string]string{
	domain.CategoryMeals:         "6060 - Meals & Entertainment",
	domain.CategoryTravel:        "6070 - Travel Expenses",
	domain.CategoryOffice:        "6010 - Office Expenses",
	domain.CategoryAdvertising:   "6020 - Advertising",
	domain.CategorySubscriptions: "6030 - Software & Subscriptions",
	domain.CategoryUtilities:     "6040 - Utilities",
	domain.CategoryProfessional:  "6050 - Professional Fees",
	domain.CategoryShipping:      "6080 - Shipping & Delivery",
	domain.CategoryInsurance:     "6090 - Insurance",
	domain.CategoryMaintenance:   "6100 - Repairs & Maintenance",
	domain.CategoryPayroll:       "5010 - Salaries & Wages",
	domain.CategoryRent:          "6110 - Rent Expense",
	domain.CategoryEntertainment: "6120 - Entertainment",
	domain.CategoryEducation:     "6130 - Training & Education",
	domain.CategoryUncategorized: defaultAccount,
}

// Account returns the suggested ledger account for category.
func Account(category string) string {
	if a, ok := accounts[category]; ok {
		return a
	}
	return defaultAccount
}
