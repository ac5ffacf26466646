package gherkin

import "fmt"

const genericHover = `Feature: Validate navigation menu functionality

Scenario: Verify hover reveals dropdown menu
  Given the user is on the "%[1]s" page
  When the user hovers over a navigation menu item
  Then a dropdown menu should appear
  And the menu should contain clickable options

Scenario: Verify navigation through dropdown menu
  Given the user is on the "%[1]s" page
  When the user hovers over a navigation menu item
  And clicks a link from the dropdown
  Then the page URL should change to the selected page`

const genericPopup = `Feature: Validate pop-up functionality

Scenario: Verify the cancel button in the pop-up
  Given the user is on the "%[1]s" page
  When the user clicks a button that triggers a pop-up
  Then a pop-up should appear
  And the user clicks the "Cancel" button
  Then the pop-up should close and the user should remain on the same page

Scenario: Verify the continue button in the pop-up
  Given the user is on the "%[1]s" page
  When the user clicks a button that triggers a pop-up
  Then a pop-up should appear
  And the user clicks the "Continue" button
  Then the expected action should be performed`

// GenericHover is the feature written when no hover element was found.
func GenericHover(url string) string { return fmt.Sprintf(genericHover, url) }

// GenericPopup is the feature written when no popup trigger was found.
func GenericPopup(url string) string { return fmt.Sprintf(genericPopup, url) }
