/*
default.go - Built-in ingestion profile for CT-e transport-document exports

PURPOSE:
  The profile used when FREIGHTSLA_PROFILE is empty. Aliases cover the
  Portuguese column names of the usual CT-e exports plus English
  equivalents. Aliases are ordered most specific first.

STAGE PAIRS:
  Pairs between adjacent stages plus the end-to-end issuance -> settlement.
  Pairs waiting on the client (requisition, attestation, approval, payment)
  are "client"; the rest are "internal".

TIERS:
  The thresholds below are carried over from the spreadsheets this replaces.
  Nobody has documented why these numbers were chosen; treat them as
  product-owner decisions, not tuned values.

CUSTOMIZATION:
  Copy the output of `freightsla profile` into a file, edit it and point
  FREIGHTSLA_PROFILE at it.

SEE ALSO:
  - profile.go: Schema and validation
*/
package factory

// DefaultProfileYAML is the built-in profile document.
const DefaultProfileYAML = `name: cte-default

fields:
  - field: business_key
    required: true
    aliases: ["CTE", "CT-e", "Nº CT-e", "Número CT-e", "Numero CTe", "Nro CTe", "Documento", "Document Number"]
  - field: party_name
    aliases: ["Cliente", "Tomador", "Razão Social", "Nome Cliente", "Client", "Customer"]
  - field: asset_tag
    aliases: ["Placa", "Placa Veículo", "Veículo", "Plate", "Vehicle"]
  - field: amount
    aliases: ["Total", "Valor Total", "Valor do Frete", "Valor Frete", "Valor", "Amount"]
  - field: free_text_note
    aliases: ["Observação", "Observações", "Obs", "Comentário", "Notes", "Note"]
  - field: issuance_date
    aliases: ["Emissão", "Data Emissão", "Dt. Emissão", "Data de Emissão", "Issue Date"]
  - field: inclusion_date
    aliases: ["Inclusão", "Data Inclusão", "Dt. Inclusão", "Inclusion Date"]
  - field: first_dispatch_date
    aliases: ["Primeiro Envio", "1º Envio", "Data Primeiro Envio", "First Dispatch"]
  - field: requisition_date
    aliases: ["Requisição", "Data Requisição", "Dt. Requisição", "Requisition"]
  - field: attestation_date
    aliases: ["Atesto", "Data Atesto", "Atestado", "Attestation"]
  - field: approval_date
    aliases: ["Aprovação", "Data Aprovação", "Dt. Aprovação", "Approval"]
  - field: final_dispatch_date
    aliases: ["Envio Final", "Expedição Final", "Data Envio Final", "Final Dispatch"]
  - field: billing_date
    aliases: ["Faturamento", "Data Faturamento", "Dt. Faturamento", "Billing", "Invoice Date"]
  - field: settlement_date
    aliases: ["Pagamento", "Data Pagamento", "Baixa", "Liquidação", "Settlement", "Paid"]

normalizer:
  min_year: 2015
  max_year: 2035
  excel_serial_dates: true
  note_max_runes: 500

mapper:
  min_contain_len: 3

stage_pairs:
  - {id: issuance_inclusion, label: "Issuance to inclusion", from: issuance, to: inclusion, target_days: 2, category: internal}
  - {id: inclusion_first_dispatch, label: "Inclusion to first dispatch", from: inclusion, to: first_dispatch, target_days: 3, category: internal}
  - {id: first_dispatch_requisition, label: "First dispatch to requisition", from: first_dispatch, to: requisition, target_days: 5, category: client}
  - {id: requisition_attestation, label: "Requisition to attestation", from: requisition, to: attestation, target_days: 5, category: client}
  - {id: attestation_approval, label: "Attestation to approval", from: attestation, to: approval, target_days: 3, category: client}
  - {id: approval_final_dispatch, label: "Approval to final dispatch", from: approval, to: final_dispatch, target_days: 2, category: internal}
  - {id: final_dispatch_billing, label: "Final dispatch to billing", from: final_dispatch, to: billing, target_days: 3, category: internal}
  - {id: billing_settlement, label: "Billing to settlement", from: billing, to: settlement, target_days: 30, category: client}
  - {id: issuance_settlement, label: "Issuance to settlement", from: issuance, to: settlement, target_days: 60, category: client}

tiers:
  internal: {excellent: 0.95, good: 0.85, attention: 0.70}
  client: {excellent: 0.85, good: 0.70, attention: 0.50}

alerts:
  limit: 10
  rules:
    - kind: not_dispatched
      label: "Issued, never dispatched"
      category: operations
      type: age
      source: issuance
      cleared_by: first_dispatch_date
      threshold_days: 7
    - kind: awaiting_attestation
      label: "Requisitioned, not attested"
      category: operations
      type: age
      source: requisition
      cleared_by: attestation_date
      threshold_days: 10
    - kind: unbilled
      label: "Dispatched, not billed"
      category: billing
      type: age
      source: final_dispatch
      cleared_by: billing_date
      threshold_days: 15
    - kind: unsettled
      label: "Billed, not settled"
      category: collections
      type: age
      source: billing
      cleared_by: settlement_date
      threshold_days: 30
    - kind: slow_settlement
      label: "Settlement slower than target"
      category: collections
      type: sla_breach
      pair: billing_settlement
`
