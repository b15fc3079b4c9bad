package factory

import "fmt"

// SamplePriceList returns a complete price-list document for the
// given year, modeled on a gliding club fleet: a tow plane with
// minimum-duration billing and a youth discount, a glider fleet under
// a yearly price cap, an instruction fee, an equipment fee with its
// own cap, and a surcharge line. Used by tests and the demo CLI.
func SamplePriceList(year int) string {
	return fmt.Sprintf(`{
  "name": "sample price list %[1]d",
  "year": %[1]d,
  "rules": [
    {
      "type": "first",
      "rules": [
        {
          "type": "minimum_duration",
          "min_duration_min": 15,
          "notice": "(minimum billing 15 min)",
          "aircraft_filters": [{"type": "aircraft", "registrations": ["OH-TOW"]}],
          "rule": {
            "type": "flight",
            "hourly_rate": "91.50",
            "ledger_account": "3130",
            "template": "Flight (youth discount), TOW, {duration} min",
            "filters": [
              {"type": "aircraft", "registrations": ["OH-TOW"]},
              {"type": "age_max", "max_age": 25}
            ]
          }
        },
        {
          "type": "minimum_duration",
          "min_duration_min": 15,
          "notice": "(minimum billing 15 min)",
          "aircraft_filters": [{"type": "aircraft", "registrations": ["OH-TOW"]}],
          "rule": {
            "type": "flight",
            "hourly_rate": "122",
            "ledger_account": "3130",
            "template": "Flight, TOW, {duration} min",
            "filters": [{"type": "aircraft", "registrations": ["OH-TOW"]}]
          }
        }
      ]
    },
    {
      "type": "capped",
      "cap_id": "glider_cap_%[1]d",
      "cap_price": "1250",
      "rule": {
        "type": "all",
        "rules": [
          {
            "type": "first",
            "rules": [
              {
                "type": "flight",
                "hourly_rate": "13.50",
                "ledger_account": "3220",
                "template": "Flight (youth discount), {aircraft}, {duration} min",
                "filters": [
                  {"type": "aircraft", "registrations": ["OH-650"]},
                  {"type": "age_max", "max_age": 25}
                ]
              },
              {
                "type": "flight",
                "hourly_rate": "13.50",
                "ledger_account": "3220",
                "template": "Flight (course discount), {aircraft}, {duration} min",
                "filters": [
                  {"type": "aircraft", "registrations": ["OH-650"]},
                  {"type": "member_list", "list": "course_members"}
                ]
              },
              {
                "type": "flight",
                "hourly_rate": "18",
                "ledger_account": "3220",
                "filters": [{"type": "aircraft", "registrations": ["OH-650"]}]
              }
            ]
          },
          {
            "type": "first",
            "rules": [
              {
                "type": "flight",
                "hourly_rate": "27",
                "ledger_account": "3220",
                "template": "Flight (youth discount), {aircraft}, {duration} min",
                "filters": [
                  {"type": "aircraft", "registrations": ["OH-883"]},
                  {"type": "age_max", "max_age": 25}
                ]
              },
              {
                "type": "flight",
                "hourly_rate": "36",
                "ledger_account": "3220",
                "filters": [{"type": "aircraft", "registrations": ["OH-883"]}]
              }
            ]
          }
        ]
      }
    },
    {
      "type": "flight",
      "fixed_price": "6",
      "ledger_account": "3470",
      "template": "Instruction fee, {aircraft}",
      "filters": [
        {"type": "or", "filters": [
          {"type": "aircraft", "registrations": ["OH-650", "OH-883"]}
        ]},
        {"type": "purpose", "codes": ["KOU"]}
      ]
    },
    {
      "type": "capped",
      "cap_id": "equipment_cap_%[1]d",
      "cap_price": "90",
      "cap_note": "equipment fee capped",
      "rule": {
        "type": "flight",
        "fixed_price": "10",
        "ledger_account": "3010",
        "template": "Equipment fee, {aircraft}, {duration} min",
        "filters": [
          {"type": "aircraft", "registrations": ["OH-650", "OH-883", "OH-TOW"]}
        ]
      }
    },
    {
      "type": "flight",
      "fixed_price": "2",
      "ledger_account": "3610",
      "template": "Invoicing surcharge, {aircraft}, {surcharge_reason}",
      "filters": [
        {"type": "aircraft", "registrations": ["OH-650", "OH-883", "OH-TOW"]},
        {"type": "surcharge"}
      ]
    }
  ]
}`, year)
}
