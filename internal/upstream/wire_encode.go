package upstream

import (
	"google.golang.org/protobuf/encoding/protowire"

	"sniff/internal/models"
)

// The encoders below produce backend-shaped payloads. They are used by the
// stub backend and by tests; production code only decodes.

type encoder []byte

func (e *encoder) str(num protowire.Number, v *string) {
	if v == nil {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendString(*e, *v)
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	*e = protowire.AppendTag(*e, num, protowire.VarintType)
	*e = protowire.AppendVarint(*e, v)
}

func (e *encoder) int32(num protowire.Number, v *int32) {
	if v != nil {
		e.varint(num, uint64(int64(*v)))
	}
}

func (e *encoder) int64(num protowire.Number, v *int64) {
	if v != nil {
		e.varint(num, uint64(*v))
	}
}

func (e *encoder) bool(num protowire.Number, v *bool) {
	if v != nil {
		e.varint(num, protowire.EncodeBool(*v))
	}
}

func (e *encoder) message(num protowire.Number, msg []byte) {
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, msg)
}

func wrapPayload(num protowire.Number, msg []byte) []byte {
	var payload encoder
	payload.message(num, msg)
	var wrapper encoder
	wrapper.message(fieldWrapperPayload, payload)
	return wrapper
}

// EncodeDetailsResponse renders doc inside the response wrapper.
func EncodeDetailsResponse(doc models.DetailsDocument) []byte {
	var msg encoder
	if doc.Item != nil {
		msg.message(fieldDetailsItem, encodeItem(doc.Item))
	}
	msg.str(fieldDetailsFooterHTML, doc.FooterHTML)
	msg.bool(fieldDetailsEnableReviews, doc.EnableReviews)
	return wrapPayload(fieldPayloadDetails, msg)
}

func encodeItem(item *models.Item) []byte {
	var e encoder
	e.str(fieldItemID, item.ID)
	e.str(fieldItemSubID, item.SubID)
	e.int32(fieldItemType, item.Type)
	e.int32(fieldItemCategoryID, item.CategoryID)
	e.str(fieldItemTitle, item.Title)
	e.str(fieldItemCreator, item.Creator)
	e.str(fieldItemDescriptionHTML, item.DescriptionHTML)
	for _, offer := range item.Offer {
		var o encoder
		o.int64(fieldOfferMicros, offer.Micros)
		o.str(fieldOfferCurrencyCode, offer.CurrencyCode)
		o.str(fieldOfferFormattedAmount, offer.FormattedAmount)
		o.bool(fieldOfferCheckoutFlow, offer.CheckoutFlowRequired)
		o.int32(fieldOfferType, offer.OfferType)
		e.message(fieldItemOffer, o)
	}
	if item.Details != nil {
		var d encoder
		if app := item.Details.AppDetails; app != nil {
			var a encoder
			a.str(fieldAppDeveloperName, app.DeveloperName)
			a.int32(fieldAppVersionCode, app.VersionCode)
			a.str(fieldAppVersionString, app.VersionString)
			a.int64(fieldAppDownloadSize, app.InfoDownloadSize)
			a.str(fieldAppDeveloperEmail, app.DeveloperEmail)
			a.str(fieldAppDeveloperSite, app.DeveloperWebsite)
			a.str(fieldAppInfoDownload, app.InfoDownload)
			a.str(fieldAppPackageName, app.PackageName)
			a.str(fieldAppRecentChanges, app.RecentChangesHTML)
			a.str(fieldAppUpdatedOn, app.InfoUpdatedOn)
			a.int32(fieldAppTargetSDK, app.TargetSDKVersion)
			d.message(fieldDocumentDetailsApp, a)
		}
		e.message(fieldItemDetails, d)
	}
	e.str(fieldItemPromotional, item.PromotionalDescription)
	e.bool(fieldItemMature, item.Mature)
	e.bool(fieldItemPreregistration, item.AvailableForPreregistration)
	e.bool(fieldItemForceShareability, item.ForceShareability)
	if item.AppInfo != nil {
		var info encoder
		for _, section := range item.AppInfo.Section {
			var s encoder
			s.str(fieldSectionLabel, section.Label)
			if section.Container != nil {
				var c encoder
				c.str(fieldContainerDescriptor, section.Container.Description)
				s.message(fieldSectionContainer, c)
			}
			info.message(fieldAppInfoSection, s)
		}
		e.message(fieldItemAppInfo, info)
	}
	return e
}

// EncodeDeliveryResponse renders a granted delivery for bundle. Additional
// files are encoded as main expansion files at the bundle version.
func EncodeDeliveryResponse(bundle models.DownloadBundle) []byte {
	var data encoder
	data.str(fieldDataDownloadURL, bundle.MainAPKURL)
	for _, file := range bundle.AdditionalFiles {
		var f encoder
		f.varint(fieldFileType, 0)
		f.varint(fieldFileVersionCode, uint64(bundle.VersionCode))
		url := file.DownloadURL
		f.str(fieldFileDownloadURL, &url)
		data.message(fieldDataAdditionalFile, f)
	}
	for _, split := range bundle.Splits {
		var s encoder
		name, url := split.Name, split.DownloadURL
		s.str(fieldSplitName, &name)
		s.str(fieldSplitDownloadURL, &url)
		data.message(fieldDataSplit, s)
	}
	var msg encoder
	msg.varint(fieldDeliveryStatus, DeliveryStatusOK)
	msg.message(fieldDeliveryData, data)
	return wrapPayload(fieldPayloadDelivery, msg)
}

// EncodeDeliveryStatus renders a delivery response carrying only a status,
// which the backend uses to refuse a download.
func EncodeDeliveryStatus(status int32) []byte {
	var msg encoder
	msg.varint(fieldDeliveryStatus, uint64(int64(status)))
	return wrapPayload(fieldPayloadDelivery, msg)
}

// EncodeNotFound renders a wrapper without payload carrying a display error.
func EncodeNotFound(message string) []byte {
	var commands encoder
	commands.str(fieldCommandsDisplayError, &message)
	var wrapper encoder
	wrapper.message(fieldWrapperCommands, commands)
	return wrapper
}
