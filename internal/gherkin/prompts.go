package gherkin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/v0xg/bddscout/internal/ai"
	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/probe"
)

const sharedRules = `You are a QA automation engineer who writes short, clean Gherkin.

Rules:
1. No user stories ("As a user, I want ...").
2. No Background sections and no data tables.
3. No technical details such as XPath, CSS selectors or class names.
4. Refer to "the user", never "I".
5. Only the keywords Feature, Scenario, Given, When, Then and And.
6. Every Scenario title is unique and names the element it exercises.
7. Write the Feature line, then a blank line, then the scenarios.
8. Cover as many distinct scenarios as the data supports.`

const hoverTemplate = `Write a Gherkin feature covering hover interactions on this page.

URL: %[1]s
Page title: %[2]s

Elements that reveal menus or dropdowns when hovered:
%[3]s

Follow this shape exactly, substituting the detected element and revealed texts:

Feature: Validate navigation menu functionality

Scenario: Verify Store navigation menu dropdown appears on hover
  Given the user is on the "%[1]s" page
  When the user hovers over the navigation menu "Store"
  Then a dropdown menu should appear
  And the menu should contain clickable options

Scenario: Verify navigation through Store dropdown menu
  Given the user is on the "%[1]s" page
  When the user hovers over the navigation menu "Store"
  And clicks the link "Shop the Latest" from the dropdown
  Then the page URL should change to the expected page

Output only the feature.`

const popupTemplate = `Write a Gherkin feature covering pop-up and modal interactions on this page.

URL: %[1]s
Page title: %[2]s

Buttons and links that open a pop-up:
%[3]s

Follow this shape exactly, substituting the detected trigger and pop-up texts:

Feature: Validate "Button Name" pop-up functionality

Scenario: Verify the cancel button in the pop-up
  Given the user is on the "%[1]s" page
  When the user clicks the "Button Name" button
  Then a pop-up should appear with the title "Popup Title"
  And the user clicks the "Cancel" button
  Then the pop-up should close and the user should remain on the same page

Scenario: Verify the continue button in the pop-up
  Given the user is on the "%[1]s" page
  When the user clicks the "Button Name" button
  Then a pop-up should appear with the title "Popup Title"
  And the user clicks the "Continue" button
  Then the page should navigate or perform the expected action

Cover both the cancel and the continue action for each trigger. Output only the feature.`

type hoverSummary struct {
	Text     string   `json:"text"`
	Revealed []string `json:"revealed"`
}

type popupSummary struct {
	TriggerText  string `json:"trigger_text"`
	PopupContent string `json:"popup_content"`
}

func hoverPrompt(url string, elements []probe.HoverElement, structure crawler.PageStructure) ai.Prompt {
	summary := make([]hoverSummary, 0, len(elements))
	for _, el := range elements {
		s := hoverSummary{Text: clip(el.Text, 50), Revealed: []string{}}
		for _, r := range el.Revealed {
			s.Revealed = append(s.Revealed, clip(r.Text, 30))
		}
		summary = append(summary, s)
	}
	return ai.Prompt{
		System: sharedRules,
		User:   fmt.Sprintf(hoverTemplate, url, titleOf(structure), indentJSON(summary)),
	}
}

func popupPrompt(url string, triggers []probe.PopupTrigger, structure crawler.PageStructure) ai.Prompt {
	summary := make([]popupSummary, 0, len(triggers))
	for _, t := range triggers {
		content := "modal content"
		if len(t.Popups) > 0 {
			content = clip(t.Popups[0].Text, 150)
		}
		summary = append(summary, popupSummary{TriggerText: clip(t.Text, 100), PopupContent: content})
	}
	return ai.Prompt{
		System: sharedRules,
		User:   fmt.Sprintf(popupTemplate, url, titleOf(structure), indentJSON(summary)),
	}
}

func titleOf(structure crawler.PageStructure) string {
	if t := strings.TrimSpace(structure.Title); t != "" {
		return t
	}
	return "Unknown"
}

func indentJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}

// clip keeps at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
