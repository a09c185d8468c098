package credit

// expectedParent maps each account type to the only type allowed as its parent.
var expectedParent = map[AccountType]AccountType{
	AccountAgency:   AccountPlatform,
	AccountClient:   AccountAgency,
	AccountCampaign: AccountClient,
}

// ValidateParent checks that parent may own an account of type child.
// A nil parent is only valid for the platform root.
func ValidateParent(child AccountType, parent *Account) error {
	if !child.Valid() {
		return &HierarchyError{Child: child, Reason: "unknown account type"}
	}
	if child == AccountPlatform {
		if parent != nil {
			return &HierarchyError{Child: child, Parent: parent.Type, Reason: "platform must be the root"}
		}
		return nil
	}
	if parent == nil {
		return &HierarchyError{Child: child, Reason: "parent account required"}
	}
	if want := expectedParent[child]; parent.Type != want {
		return &HierarchyError{Child: child, Parent: parent.Type, Reason: "parent must be " + string(want)}
	}
	return nil
}

// ValidateTransfer checks that funds move from a parent to its direct child.
func ValidateTransfer(from, to Account) error {
	if to.ParentID != from.ID {
		return &HierarchyError{Child: to.Type, Parent: from.Type, Reason: "allocation must go to a direct child"}
	}
	return ValidateParent(to.Type, &from)
}

// BilledEntity resolves which account a redemption is billed to.
// Agencies and clients are billed directly; a campaign bills its client.
func BilledEntity(paying Account) (AccountType, AccountID, error) {
	switch paying.Type {
	case AccountAgency, AccountClient:
		return paying.Type, paying.ID, nil
	case AccountCampaign:
		return AccountClient, paying.ParentID, nil
	}
	return "", "", &HierarchyError{Child: paying.Type, Reason: "account cannot pay for redemptions"}
}
